package ledger

import "github.com/shopspring/decimal"

// InstrumentKind discriminates the instrument variants. Variant-specific
// behavior lives in a capability table (policy.go) and in the settlement
// engine, not in per-type virtual dispatch.
type InstrumentKind uint8

const (
	Cash InstrumentKind = iota
	BankDeposit
	ReserveDeposit
	Payable
	DeliveryObligation
	StockLot
	Ticket
)

func (k InstrumentKind) String() string {
	switch k {
	case Cash:
		return "cash"
	case BankDeposit:
		return "bank-deposit"
	case ReserveDeposit:
		return "reserve-deposit"
	case Payable:
		return "payable"
	case DeliveryObligation:
		return "delivery-obligation"
	case StockLot:
		return "stock-lot"
	case Ticket:
		return "ticket"
	default:
		return "unknown"
	}
}

// IsMoney reports whether the kind is a means of payment.
func (k InstrumentKind) IsMoney() bool {
	return k == Cash || k == BankDeposit || k == ReserveDeposit
}

// IsObligation reports whether the kind carries a due day and is settled
// during the maturity phase.
func (k InstrumentKind) IsObligation() bool {
	return k == Payable || k == DeliveryObligation || k == Ticket
}

// InstrumentID identifies an instrument. IDs are allocated monotonically
// by the Book so ascending-id iteration is a total deterministic order.
type InstrumentID int64

// Instrument is the tagged-variant record for every financial claim on the
// books. Exactly one agent owes it (Issuer, empty for StockLot) and exactly
// one agent holds it as asset.
//
// Payables and delivery obligations carry a two-field holder design: the
// original creditor is fixed at creation (provenance), while the current
// holder diverges once the claim is transferred in the secondary market.
// All derived lookups must go through EffectiveHolder, never read
// OriginalCreditor directly.
type Instrument struct {
	ID     InstrumentID
	Kind   InstrumentKind
	Issuer AgentID // liability side; empty for StockLot
	Holder AgentID // asset side for non-obligation kinds and tickets
	Amount decimal.Decimal

	// Payable / DeliveryObligation
	OriginalCreditor AgentID
	CurrentHolder    *AgentID // nil until transferred
	DueDay           int
	CreatedDay       int
	OriginalMaturity int // days from issue to due day, preserved for rollover

	// Ticket (DueDay doubles as the maturity day)
	BucketID  int
	Serial    int64
	IssuerTag AgentID // set on first purchase, never changed (single-issuer constraint)
}

// EffectiveHolder resolves the current rightful asset-side holder. This is
// the single accessor for settlement recipient, invariant walk, and removal;
// re-deriving the holder ad hoc from OriginalCreditor is exactly the defect
// class this accessor exists to prevent.
func (in *Instrument) EffectiveHolder() AgentID {
	switch in.Kind {
	case Payable, DeliveryObligation:
		if in.CurrentHolder != nil {
			return *in.CurrentHolder
		}
		return in.OriginalCreditor
	default:
		return in.Holder
	}
}

// setHolder moves the asset-side reference. For obligations this records a
// divergence from the original creditor; for all other kinds it rewrites the
// holder field.
func (in *Instrument) setHolder(to AgentID) {
	switch in.Kind {
	case Payable, DeliveryObligation:
		h := to
		in.CurrentHolder = &h
	default:
		in.Holder = to
	}
}
