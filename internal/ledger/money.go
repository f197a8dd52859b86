package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoveMoney moves value of one money kind from one agent to another inside a
// transaction: the payer's instruments of that kind and issuer are drained in
// ascending-id order, and the receiver's matching instrument is credited
// (created if absent). Issuer identifies the claim being moved (the central
// authority for cash and reserves, the issuing bank for deposits), so a
// deposit at one bank never silently turns into a claim on another.
//
// Fails without partial effect (the surrounding Tx rolls back) if the payer's
// balance of that kind and issuer is insufficient.
func MoveMoney(tx *Tx, kind InstrumentKind, issuer, from, to AgentID, amount decimal.Decimal) error {
	if !kind.IsMoney() {
		return fmt.Errorf("%w: %s is not a means of payment", ErrPolicy, kind)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative payment %s", ErrInvariantViolation, amount)
	}
	if amount.IsZero() {
		return nil
	}

	b := tx.Book()
	remaining := amount
	for _, in := range b.Holdings(from, kind) {
		if in.Issuer != issuer || in.Amount.IsZero() {
			continue
		}
		take := decimal.Min(in.Amount, remaining)
		if err := tx.SetAmount(in.ID, in.Amount.Sub(take)); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}
	if !remaining.IsZero() {
		return fmt.Errorf("insufficient %s balance of %q at issuer %q: short %s", kind, from, issuer, remaining)
	}

	for _, in := range b.Holdings(to, kind) {
		if in.Issuer == issuer {
			return tx.SetAmount(in.ID, in.Amount.Add(amount))
		}
	}
	_, err := tx.CreateInstrument(CreateSpec{
		Kind:   kind,
		Issuer: issuer,
		Holder: to,
		Amount: amount,
	})
	return err
}
