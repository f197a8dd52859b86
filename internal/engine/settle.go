package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

// shareScale bounds pro-rata shares to the ledger's working precision.
const shareScale = 8

// maturityPhase settles every obligation due today, in ascending due day
// then ascending id order. Obligations of already-defaulted debtors are
// skipped; their liabilities were written off when the default fired.
// Tickets with the same issuer and due day settle as one pro-rata group.
func (e *Engine) maturityPhase() error {
	day := e.st.Day

	var due []*ledger.Instrument
	for _, in := range e.book.Instruments() {
		if in.Kind.IsObligation() && in.DueDay <= day {
			due = append(due, in)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueDay != due[j].DueDay {
			return due[i].DueDay < due[j].DueDay
		}
		return due[i].ID < due[j].ID
	})

	for _, in := range due {
		if e.isDefaulted(in.Issuer) {
			continue
		}
		e.st.Log.Append(day, event.PhaseMaturity, event.KindObligationDue, event.Record{
			Agent:        in.Issuer,
			Counterparty: in.EffectiveHolder(),
			Instrument:   in.ID,
			Amount:       in.Amount,
		})
	}

	type groupKey struct {
		issuer ledger.AgentID
		dueDay int
	}
	settledGroups := make(map[groupKey]bool)

	for _, in := range due {
		// A write-off earlier in the loop may have removed it.
		if _, ok := e.book.Instrument(in.ID); !ok {
			continue
		}
		if e.isDefaulted(in.Issuer) {
			continue
		}

		if in.Kind == ledger.Ticket {
			key := groupKey{in.Issuer, in.DueDay}
			if settledGroups[key] {
				continue
			}
			settledGroups[key] = true

			var group []*ledger.Instrument
			for _, t := range due {
				if t.Kind == ledger.Ticket && t.Issuer == key.issuer && t.DueDay == key.dueDay {
					if _, ok := e.book.Instrument(t.ID); ok {
						group = append(group, t)
					}
				}
			}
			if err := e.settleTicketGroup(group); err != nil {
				return err
			}
			continue
		}

		if err := e.settleObligation(in); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) isDefaulted(id ledger.AgentID) bool {
	a, ok := e.book.Agent(id)
	return ok && a.Defaulted
}

// settleObligation attempts to settle one payable or delivery obligation in
// full, draining means of payment in priority order. The outcome is a
// first-class value (settled, partially settled, or defaulted) with
// defaulted-agent bookkeeping as explicit downstream steps.
func (e *Engine) settleObligation(in *ledger.Instrument) error {
	day := e.st.Day
	debtor := in.Issuer
	creditor := in.EffectiveHolder()
	owed := in.Amount

	var paid decimal.Decimal
	var flows []bankFlow
	err := e.book.Atomic(func(tx *ledger.Tx) error {
		var err error
		if in.Kind == ledger.DeliveryObligation {
			paid, err = e.deliverStock(tx, debtor, creditor, owed)
		} else {
			paid, err = e.payPriority(tx, debtor, creditor, owed, e.bothBanks(debtor, creditor), &flows)
		}
		if err != nil {
			return err
		}
		if paid.Equal(owed) {
			return tx.Remove(in.ID)
		}
		// Partial payment is committed, not rolled back; the remainder
		// stays on the books for the default handler.
		return tx.SetAmount(in.ID, owed.Sub(paid))
	})
	if err != nil {
		return fmt.Errorf("settlement of instrument %d: %w", in.ID, err)
	}
	e.flows.merge(flows)

	result := event.ResultSettled
	if !paid.Equal(owed) {
		result = event.ResultDefaulted
	}
	e.st.Log.Append(day, event.PhaseMaturity, event.KindSettlementPosted, event.Record{
		Agent:        debtor,
		Counterparty: creditor,
		Instrument:   in.ID,
		Amount:       paid,
		Result:       result,
	})
	if e.metrics != nil {
		e.metrics.SettlementsTotal.WithLabelValues(result).Inc()
	}
	if result == event.ResultSettled {
		return nil
	}
	return e.handleShortfall(in, debtor, paid, owed)
}

// settleTicketGroup settles all same-issuer same-maturity tickets with
// proportional recovery: every holder receives the same fraction of face,
// and the realized recovery feeds back into the outside anchor of each
// affected bucket.
func (e *Engine) settleTicketGroup(group []*ledger.Instrument) error {
	if len(group) == 0 {
		return nil
	}
	day := e.st.Day
	issuer := group[0].Issuer

	sort.Slice(group, func(i, j int) bool { return group[i].Serial < group[j].Serial })

	totalFace := decimal.Zero
	for _, t := range group {
		totalFace = totalFace.Add(t.Amount)
	}
	capacity := e.book.MoneyBalance(issuer, ledger.BankDeposit).Add(e.book.MoneyBalance(issuer, ledger.Cash))

	fraction := decimal.NewFromInt(1)
	full := capacity.GreaterThanOrEqual(totalFace)
	if !full {
		fraction = capacity.Div(totalFace).RoundDown(shareScale)
	}

	buckets := make(map[int]bool)
	totalPaid := decimal.Zero

	for _, t := range group {
		holder := t.EffectiveHolder()
		share := t.Amount
		if !full {
			share = t.Amount.Mul(fraction).RoundDown(shareScale)
		}

		var flows []bankFlow
		var paid decimal.Decimal
		err := e.book.Atomic(func(tx *ledger.Tx) error {
			var err error
			paid, err = e.payPriority(tx, issuer, holder, share, e.bothBanks(issuer, holder), &flows)
			if err != nil {
				return err
			}
			if full {
				return tx.Remove(t.ID)
			}
			return tx.SetAmount(t.ID, t.Amount.Sub(paid))
		})
		if err != nil {
			return fmt.Errorf("ticket settlement %d: %w", t.ID, err)
		}
		e.flows.merge(flows)
		totalPaid = totalPaid.Add(paid)
		buckets[t.BucketID] = true

		result := event.ResultSettled
		if !full {
			result = event.ResultPartial
		}
		e.st.Log.Append(day, event.PhaseMaturity, event.KindSettlementPosted, event.Record{
			Agent:        issuer,
			Counterparty: holder,
			Instrument:   t.ID,
			Amount:       paid,
			Bucket:       t.BucketID,
			Result:       result,
		})
		if e.metrics != nil {
			e.metrics.SettlementsTotal.WithLabelValues(result).Inc()
		}
	}

	if e.market != nil {
		realized := fraction
		if full {
			realized = decimal.NewFromInt(1)
		}
		for b := range buckets {
			e.market.RecordRecovery(b, realized)
		}
	}

	if !full {
		return e.handleShortfall(group[0], issuer, totalPaid, totalFace)
	}
	return nil
}

// handleShortfall runs the configured default policy after a settlement
// shortfall. The caller has already posted a settlement record for whatever
// was paid, so nothing is appended here beyond the default bookkeeping.
// Under fail-fast the run terminates; under expel-agent the debtor is
// marked defaulted, the partial payment stays committed, and all remaining
// obligations of the debtor are written off.
func (e *Engine) handleShortfall(in *ledger.Instrument, debtor ledger.AgentID, paid, owed decimal.Decimal) error {
	day := e.st.Day

	if e.metrics != nil {
		e.metrics.DefaultsTotal.Inc()
	}

	if e.cfg.Defaults == FailFast {
		return fmt.Errorf("%w: %q paid %s of %s on instrument %d (day %d)",
			ErrSettlementDefault, debtor, paid, owed, in.ID, day)
	}

	if err := e.book.Atomic(func(tx *ledger.Tx) error {
		return tx.MarkDefaulted(debtor)
	}); err != nil {
		return err
	}
	e.st.Log.Append(day, event.PhaseMaturity, event.KindAgentDefaulted, event.Record{
		Agent:  debtor,
		Amount: owed.Sub(paid),
	})
	e.log.Warn().Int("day", day).Str("agent", string(debtor)).Msg("agent defaulted and expelled")

	return e.writeOffObligations(debtor)
}

// writeOffObligations removes every remaining obligation the debtor owes,
// not just the defaulted one, without further payment. Money liabilities
// (deposits issued by a defaulted bank) are deliberately not written off:
// holders keep their claims, and money supply changes only via minting.
func (e *Engine) writeOffObligations(debtor ledger.AgentID) error {
	day := e.st.Day
	for _, kind := range []ledger.InstrumentKind{ledger.Payable, ledger.DeliveryObligation, ledger.Ticket} {
		for _, in := range e.book.LiabilitiesOf(debtor, kind) {
			holder := in.EffectiveHolder()
			amount := in.Amount
			if err := e.book.Atomic(func(tx *ledger.Tx) error {
				return tx.Remove(in.ID)
			}); err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseMaturity, event.KindWriteOff, event.Record{
				Agent:        debtor,
				Counterparty: holder,
				Instrument:   in.ID,
				Amount:       amount,
			})
			if e.metrics != nil {
				e.metrics.WriteOffsTotal.Inc()
			}
		}
	}
	return nil
}

func (e *Engine) bothBanks(a, b ledger.AgentID) bool {
	aa, okA := e.book.Agent(a)
	bb, okB := e.book.Agent(b)
	return okA && okB && aa.Kind == ledger.KindBank && bb.Kind == ledger.KindBank
}

// payPriority drains the debtor's means of payment in fixed priority order
// (bank deposit, then cash, then reserves, reserves usable only between
// banks), paying the full amount from the first method that alone suffices, and
// otherwise draining across methods until covered or exhausted. Returns the
// amount actually paid.
func (e *Engine) payPriority(tx *ledger.Tx, debtor, creditor ledger.AgentID, amount decimal.Decimal, allowReserve bool, flows *[]bankFlow) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	b := tx.Book()
	depTotal := b.MoneyBalance(debtor, ledger.BankDeposit)
	cashTotal := b.MoneyBalance(debtor, ledger.Cash)
	resTotal := decimal.Zero
	if allowReserve {
		resTotal = b.MoneyBalance(debtor, ledger.ReserveDeposit)
	}

	switch {
	case depTotal.GreaterThanOrEqual(amount):
		return amount, e.payDeposits(tx, debtor, creditor, amount, flows)
	case cashTotal.GreaterThanOrEqual(amount):
		return amount, e.payCentralMoney(tx, ledger.Cash, debtor, creditor, amount)
	case allowReserve && resTotal.GreaterThanOrEqual(amount):
		return amount, e.payCentralMoney(tx, ledger.ReserveDeposit, debtor, creditor, amount)
	}

	remaining := amount
	if depTotal.Sign() > 0 {
		take := decimal.Min(depTotal, remaining)
		if err := e.payDeposits(tx, debtor, creditor, take, flows); err != nil {
			return decimal.Zero, err
		}
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 && cashTotal.Sign() > 0 {
		take := decimal.Min(cashTotal, remaining)
		if err := e.payCentralMoney(tx, ledger.Cash, debtor, creditor, take); err != nil {
			return decimal.Zero, err
		}
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 && allowReserve && resTotal.Sign() > 0 {
		take := decimal.Min(resTotal, remaining)
		if err := e.payCentralMoney(tx, ledger.ReserveDeposit, debtor, creditor, take); err != nil {
			return decimal.Zero, err
		}
		remaining = remaining.Sub(take)
	}
	return amount.Sub(remaining), nil
}

// payDeposits drains the debtor's deposits in ascending-id order, crediting
// the creditor at their home deposit bank. A leg whose payer bank differs
// from the destination bank accrues an interbank flow for the netting
// phase.
func (e *Engine) payDeposits(tx *ledger.Tx, debtor, creditor ledger.AgentID, amount decimal.Decimal, flows *[]bankFlow) error {
	b := tx.Book()
	home := e.homeBank(creditor)
	remaining := amount

	for _, dep := range b.Holdings(debtor, ledger.BankDeposit) {
		if dep.Amount.IsZero() {
			continue
		}
		take := decimal.Min(dep.Amount, remaining)
		payerBank := dep.Issuer
		destBank := home
		if destBank == "" {
			destBank = payerBank
		}
		if err := tx.SetAmount(dep.ID, dep.Amount.Sub(take)); err != nil {
			return err
		}
		if err := e.creditDeposit(tx, creditor, destBank, take); err != nil {
			return err
		}
		if payerBank != destBank && flows != nil {
			*flows = append(*flows, bankFlow{from: payerBank, to: destBank, amount: take})
		}
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			return nil
		}
	}
	if !remaining.IsZero() {
		return fmt.Errorf("deposit drain of %q short by %s", debtor, remaining)
	}
	return nil
}

// homeBank is the bank issuing the agent's largest existing deposit
// (ties broken by ascending instrument id), or empty when the agent holds
// no deposits.
func (e *Engine) homeBank(agent ledger.AgentID) ledger.AgentID {
	var best *ledger.Instrument
	for _, dep := range e.book.Holdings(agent, ledger.BankDeposit) {
		if best == nil || dep.Amount.GreaterThan(best.Amount) {
			best = dep
		}
	}
	if best == nil {
		return ""
	}
	return best.Issuer
}

func (e *Engine) creditDeposit(tx *ledger.Tx, holder, bank ledger.AgentID, amount decimal.Decimal) error {
	for _, dep := range tx.Book().Holdings(holder, ledger.BankDeposit) {
		if dep.Issuer == bank {
			return tx.SetAmount(dep.ID, dep.Amount.Add(amount))
		}
	}
	_, err := tx.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.BankDeposit, Issuer: bank, Holder: holder, Amount: amount,
	})
	return err
}

func (e *Engine) payCentralMoney(tx *ledger.Tx, kind ledger.InstrumentKind, from, to ledger.AgentID, amount decimal.Decimal) error {
	central, ok := tx.Book().CentralAuthority()
	if !ok {
		return fmt.Errorf("no central authority on the book")
	}
	return ledger.MoveMoney(tx, kind, central.ID, from, to, amount)
}

// deliverStock settles a delivery obligation by moving stock lots at face
// valuation, draining the debtor's lots in ascending-id order.
func (e *Engine) deliverStock(tx *ledger.Tx, debtor, creditor ledger.AgentID, amount decimal.Decimal) (decimal.Decimal, error) {
	b := tx.Book()
	remaining := amount
	for _, lot := range b.Holdings(debtor, ledger.StockLot) {
		if lot.Amount.IsZero() {
			continue
		}
		take := decimal.Min(lot.Amount, remaining)
		if err := tx.SetAmount(lot.ID, lot.Amount.Sub(take)); err != nil {
			return decimal.Zero, err
		}
		if err := e.creditStock(tx, creditor, take); err != nil {
			return decimal.Zero, err
		}
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}
	return amount.Sub(remaining), nil
}

func (e *Engine) creditStock(tx *ledger.Tx, holder ledger.AgentID, amount decimal.Decimal) error {
	for _, lot := range tx.Book().Holdings(holder, ledger.StockLot) {
		return tx.SetAmount(lot.ID, lot.Amount.Add(amount))
	}
	_, err := tx.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.StockLot, Holder: holder, Amount: amount,
	})
	return err
}

// drainLiquid moves exactly amount of liquid value (deposits then cash)
// between agents; fails, rolling back, when the payer cannot cover it.
func (e *Engine) drainLiquid(tx *ledger.Tx, from, to ledger.AgentID, amount decimal.Decimal, flows *[]bankFlow) error {
	paid, err := e.payPriority(tx, from, to, amount, false, flows)
	if err != nil {
		return err
	}
	if !paid.Equal(amount) {
		return fmt.Errorf("insufficient liquid value: %q paid %s of %s", from, paid, amount)
	}
	return nil
}
