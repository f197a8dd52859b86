package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

// bankFlow is one directional interbank leg: deposit value left the books
// of from and appeared on the books of to.
type bankFlow struct {
	from, to ledger.AgentID
	amount   decimal.Decimal
}

// flowLedger accumulates gross directional interbank flows over one day.
type flowLedger struct {
	gross map[[2]ledger.AgentID]decimal.Decimal
}

func newFlowLedger() *flowLedger {
	return &flowLedger{gross: make(map[[2]ledger.AgentID]decimal.Decimal)}
}

func (f *flowLedger) add(from, to ledger.AgentID, amount decimal.Decimal) {
	if from == to || amount.IsZero() {
		return
	}
	key := [2]ledger.AgentID{from, to}
	f.gross[key] = f.gross[key].Add(amount)
}

func (f *flowLedger) merge(flows []bankFlow) {
	for _, fl := range flows {
		f.add(fl.from, fl.to, fl.amount)
	}
}

func (f *flowLedger) reset() {
	f.gross = make(map[[2]ledger.AgentID]decimal.Decimal)
}

// pairs returns the unordered bank pairs with any gross flow, in
// deterministic lexicographic order.
func (f *flowLedger) pairs() [][2]ledger.AgentID {
	seen := make(map[[2]ledger.AgentID]bool)
	var out [][2]ledger.AgentID
	for key := range f.gross {
		a, b := key[0], key[1]
		if b < a {
			a, b = b, a
		}
		pair := [2]ledger.AgentID{a, b}
		if !seen[pair] {
			seen[pair] = true
			out = append(out, pair)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// nettingPhase settles the day's net bilateral interbank positions in
// reserves. A debtor bank short of reserves covers what it can and issues
// an overnight payable to the creditor bank for the rest, due tomorrow.
func (e *Engine) nettingPhase() error {
	day := e.st.Day
	defer e.flows.reset()

	for _, pair := range e.flows.pairs() {
		a, b := pair[0], pair[1]
		net := e.flows.gross[[2]ledger.AgentID{a, b}].Sub(e.flows.gross[[2]ledger.AgentID{b, a}])
		if net.IsZero() {
			continue
		}
		debtor, creditor := a, b
		if net.Sign() < 0 {
			debtor, creditor = b, a
			net = net.Neg()
		}

		reserves := e.book.MoneyBalance(debtor, ledger.ReserveDeposit)
		settle := decimal.Min(net, reserves)
		short := net.Sub(settle)

		if err := e.book.Atomic(func(tx *ledger.Tx) error {
			if settle.Sign() > 0 {
				if err := e.payCentralMoney(tx, ledger.ReserveDeposit, debtor, creditor, settle); err != nil {
					return err
				}
			}
			if short.Sign() > 0 {
				_, err := tx.CreateInstrument(ledger.CreateSpec{
					Kind:             ledger.Payable,
					Issuer:           debtor,
					Holder:           creditor,
					Amount:           short,
					DueDay:           day + 1,
					CreatedDay:       day,
					OriginalMaturity: 1,
				})
				return err
			}
			return nil
		}); err != nil {
			return fmt.Errorf("interbank netting %q->%q: %w", debtor, creditor, err)
		}

		if settle.Sign() > 0 {
			e.st.Log.Append(day, event.PhaseNetting, event.KindNettingSettled, event.Record{
				Agent:        debtor,
				Counterparty: creditor,
				Amount:       settle,
			})
		}
		if short.Sign() > 0 {
			e.st.Log.Append(day, event.PhaseNetting, event.KindOvernightIssued, event.Record{
				Agent:        debtor,
				Counterparty: creditor,
				Amount:       short,
				Note:         "reserve shortfall rolled into overnight payable",
			})
			if e.metrics != nil {
				e.metrics.OvernightIssued.Inc()
			}
			e.log.Info().Int("day", day).
				Str("debtor", string(debtor)).Str("creditor", string(creditor)).
				Str("amount", short.String()).Msg("overnight payable issued")
		}
	}
	return nil
}
