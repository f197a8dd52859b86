package engine

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

// ActionKind discriminates scheduled scenario actions.
type ActionKind uint8

const (
	ActionMintCash ActionKind = iota
	ActionOpenDeposit
	ActionMintReserve
	ActionIssuePayable
	ActionIssueDelivery
	ActionIssueStock
	ActionTransferValue
)

func (k ActionKind) String() string {
	switch k {
	case ActionMintCash:
		return "mint-cash"
	case ActionOpenDeposit:
		return "open-deposit"
	case ActionMintReserve:
		return "mint-reserve"
	case ActionIssuePayable:
		return "issue-payable"
	case ActionIssueDelivery:
		return "issue-delivery"
	case ActionIssueStock:
		return "issue-stock"
	case ActionTransferValue:
		return "transfer-value"
	default:
		return "unknown"
	}
}

// ParseActionKind maps the scenario-file spelling to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	for k := ActionMintCash; k <= ActionTransferValue; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action kind %q", s)
}

// Action is one pre-programmed scenario step. Field use varies by kind:
// mints use To (and Bank for deposits), issues use From (debtor) and To
// (creditor) with DueIn days to maturity, transfers move liquid value From
// to To.
type Action struct {
	Kind   ActionKind
	From   ledger.AgentID
	To     ledger.AgentID
	Bank   ledger.AgentID
	Amount decimal.Decimal
	DueIn  int
}

// references lists the agents an action touches, for defaulted-agent
// skipping.
func (a Action) references() []ledger.AgentID {
	var ids []ledger.AgentID
	for _, id := range []ledger.AgentID{a.From, a.To, a.Bank} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Schedule maps a day to its ordered scheduled actions.
type Schedule map[int][]Action

// applyAction runs one scheduled action inside a single transaction and
// logs the resulting record.
func (e *Engine) applyAction(a Action) error {
	day := e.st.Day
	central, hasCA := e.book.CentralAuthority()

	switch a.Kind {
	case ActionMintCash:
		if !hasCA {
			return fmt.Errorf("mint-cash requires a central authority")
		}
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind: ledger.Cash, Issuer: central.ID, Holder: a.To, Amount: a.Amount,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindMint, event.Record{
				Agent: a.To, Instrument: in.ID, Amount: a.Amount, Note: "cash",
			})
			return nil
		})

	case ActionOpenDeposit:
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind: ledger.BankDeposit, Issuer: a.Bank, Holder: a.To, Amount: a.Amount,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindMint, event.Record{
				Agent: a.To, Counterparty: a.Bank, Instrument: in.ID, Amount: a.Amount, Note: "bank-deposit",
			})
			return nil
		})

	case ActionMintReserve:
		if !hasCA {
			return fmt.Errorf("mint-reserve requires a central authority")
		}
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind: ledger.ReserveDeposit, Issuer: central.ID, Holder: a.To, Amount: a.Amount,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindMint, event.Record{
				Agent: a.To, Instrument: in.ID, Amount: a.Amount, Note: "reserve-deposit",
			})
			return nil
		})

	case ActionIssuePayable:
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind:             ledger.Payable,
				Issuer:           a.From,
				Holder:           a.To,
				Amount:           a.Amount,
				DueDay:           day + a.DueIn,
				CreatedDay:       day,
				OriginalMaturity: a.DueIn,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindPayableIssued, event.Record{
				Agent: a.From, Counterparty: a.To, Instrument: in.ID, Amount: a.Amount,
			})
			return nil
		})

	case ActionIssueDelivery:
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind:             ledger.DeliveryObligation,
				Issuer:           a.From,
				Holder:           a.To,
				Amount:           a.Amount,
				DueDay:           day + a.DueIn,
				CreatedDay:       day,
				OriginalMaturity: a.DueIn,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindDeliveryIssued, event.Record{
				Agent: a.From, Counterparty: a.To, Instrument: in.ID, Amount: a.Amount,
			})
			return nil
		})

	case ActionIssueStock:
		return e.book.Atomic(func(tx *ledger.Tx) error {
			in, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind: ledger.StockLot, Holder: a.To, Amount: a.Amount,
			})
			if err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindStockIssued, event.Record{
				Agent: a.To, Instrument: in.ID, Amount: a.Amount,
			})
			return nil
		})

	case ActionTransferValue:
		var flows []bankFlow
		if err := e.book.Atomic(func(tx *ledger.Tx) error {
			if err := e.drainLiquid(tx, a.From, a.To, a.Amount, &flows); err != nil {
				return err
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindValueTransferred, event.Record{
				Agent: a.From, Counterparty: a.To, Amount: a.Amount,
			})
			return nil
		}); err != nil {
			return err
		}
		e.flows.merge(flows)
		return nil

	default:
		return fmt.Errorf("unknown scheduled action kind %d", a.Kind)
	}
}

// scheduledPhase applies the day's pre-programmed actions in listed order.
// Under expel-agent handling, an action that fails or references a
// defaulted agent is skipped and logged, never retried; under fail-fast any
// failure aborts the run.
func (e *Engine) scheduledPhase() error {
	day := e.st.Day
	for i, a := range e.schedule[day] {
		if e.cfg.Defaults == ExpelAgent && e.referencesDefaulted(a) {
			e.st.Log.Append(day, event.PhaseScheduled, event.KindActionSkipped, event.Record{
				Agent: a.From, Counterparty: a.To, Amount: a.Amount,
				Note: fmt.Sprintf("%s references defaulted agent", a.Kind),
			})
			continue
		}
		if err := e.applyAction(a); err != nil {
			if e.cfg.Defaults == FailFast {
				return fmt.Errorf("scheduled action %d on day %d (%s): %w", i, day, a.Kind, err)
			}
			e.st.Log.Append(day, event.PhaseScheduled, event.KindActionSkipped, event.Record{
				Agent: a.From, Counterparty: a.To, Amount: a.Amount,
				Note: fmt.Sprintf("%s failed: %v", a.Kind, err),
			})
			e.log.Warn().Int("day", day).Str("action", a.Kind.String()).Err(err).Msg("scheduled action skipped")
		}
	}
	return nil
}

// Setup applies day-zero provisioning actions directly on the book, outside
// the day loop and without event records. Scenario building and the
// validate entry point both go through here; any failure is a
// configuration-level fault.
func Setup(book *ledger.Book, actions []Action) error {
	e := &Engine{
		book:  book,
		cfg:   Config{Stop: StopFixedDays, MaxDays: 1, Defaults: FailFast},
		st:    &State{Log: event.NewLog()},
		flows: newFlowLedger(),
		log:   zerolog.Nop(),
	}
	for i, a := range actions {
		if err := e.applyAction(a); err != nil {
			return fmt.Errorf("setup action %d (%s): %w", i, a.Kind, err)
		}
	}
	return nil
}

func (e *Engine) referencesDefaulted(a Action) bool {
	for _, id := range a.references() {
		if agent, ok := e.book.Agent(id); ok && agent.Defaulted {
			return true
		}
	}
	return false
}
