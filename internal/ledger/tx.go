package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tx applies a sequence of ledger mutations with rollback: every mutation
// records its inverse on an undo list, and a failing step unwinds all prior
// steps in reverse order before the failure is surfaced. This is the unit of
// consistency for composite actions: a partial failure can never leave the
// double-entry invariant visibly broken.
type Tx struct {
	book *Book
	undo []func()
}

// Atomic runs fn inside a transaction. If fn returns an error, every
// mutation made through the Tx is undone and the error is returned;
// otherwise the mutations stay committed.
func (b *Book) Atomic(fn func(tx *Tx) error) error {
	tx := &Tx{book: b}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// Book exposes the underlying book for read-only queries inside a
// transaction body.
func (tx *Tx) Book() *Book { return tx.book }

// CreateInstrument creates an instrument; the inverse is raw removal.
func (tx *Tx) CreateInstrument(spec CreateSpec) (*Instrument, error) {
	in, err := tx.book.CreateInstrument(spec)
	if err != nil {
		return nil, err
	}
	id := in.ID
	tx.undo = append(tx.undo, func() {
		// Created this step, so Remove cannot fail to find it.
		_ = tx.book.Remove(id)
	})
	return in, nil
}

// Transfer moves the asset-side reference; the inverse restores the exact
// prior holder state (including a nil current-holder on an untraded
// obligation).
func (tx *Tx) Transfer(id InstrumentID, from, to AgentID) error {
	in, ok := tx.book.instruments[id]
	if !ok {
		return tx.book.Transfer(id, from, to) // surfaces the unknown-id error
	}
	prevCurrent := in.CurrentHolder
	prevHolder := in.Holder

	if err := tx.book.Transfer(id, from, to); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		dst, _ := tx.book.agents[to]
		src, _ := tx.book.agents[from]
		if dst != nil {
			delete(dst.Assets, id)
		}
		if src != nil {
			src.Assets[id] = struct{}{}
		}
		in.CurrentHolder = prevCurrent
		in.Holder = prevHolder
	})
	return nil
}

// Remove deletes an instrument; the inverse re-inserts it with both
// registry entries restored.
func (tx *Tx) Remove(id InstrumentID) error {
	in, ok := tx.book.instruments[id]
	if !ok {
		return tx.book.Remove(id)
	}
	holderID := in.EffectiveHolder()
	if err := tx.book.Remove(id); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		tx.book.instruments[id] = in
		if holder, ok := tx.book.agents[holderID]; ok {
			holder.Assets[id] = struct{}{}
		}
		if in.Kind != StockLot {
			if issuer, ok := tx.book.agents[in.Issuer]; ok {
				issuer.Liabilities[id] = struct{}{}
			}
		}
	})
	return nil
}

// SetAmount rewrites an amount; the inverse restores the old value.
func (tx *Tx) SetAmount(id InstrumentID, amount decimal.Decimal) error {
	in, ok := tx.book.instruments[id]
	if !ok {
		return tx.book.SetAmount(id, amount)
	}
	prev := in.Amount
	if err := tx.book.SetAmount(id, amount); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { in.Amount = prev })
	return nil
}

// MarkDefaulted flags an agent; the inverse restores the prior flag.
func (tx *Tx) MarkDefaulted(id AgentID) error {
	a, ok := tx.book.agents[id]
	if !ok {
		return tx.book.MarkDefaulted(id)
	}
	prev := a.Defaulted
	if err := tx.book.MarkDefaulted(id); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { a.Defaulted = prev })
	return nil
}

// SetBucket retags a ticket's maturity bucket; the inverse restores the old
// bucket id.
func (tx *Tx) SetBucket(id InstrumentID, bucket int) error {
	in, ok := tx.book.instruments[id]
	if !ok {
		return fmt.Errorf("%w: bucket change on unknown instrument %d", ErrInvariantViolation, id)
	}
	if in.Kind != Ticket {
		return fmt.Errorf("%w: bucket change on non-ticket instrument %d", ErrInvariantViolation, id)
	}
	prev := in.BucketID
	in.BucketID = bucket
	tx.undo = append(tx.undo, func() { in.BucketID = prev })
	return nil
}
