package event

import (
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/ledger"
)

// Phase identifies the day-phase a record was emitted from.
type Phase uint8

const (
	PhaseDayStart Phase = iota
	PhaseScheduled
	PhaseTrading
	PhaseMaturity
	PhaseNetting
	PhaseQuietCheck
)

func (p Phase) String() string {
	switch p {
	case PhaseDayStart:
		return "day-start"
	case PhaseScheduled:
		return "scheduled-actions"
	case PhaseTrading:
		return "dealer-trading"
	case PhaseMaturity:
		return "maturity-settlement"
	case PhaseNetting:
		return "interbank-netting"
	case PhaseQuietCheck:
		return "quiet-check"
	default:
		return "unknown"
	}
}

// Kind discriminates event records.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDayStart
	KindMint
	KindPayableIssued
	KindDeliveryIssued
	KindStockIssued
	KindValueTransferred
	KindActionSkipped
	KindObligationDue
	KindSettlementPosted
	KindWriteOff
	KindAgentDefaulted
	KindTradeExecuted
	KindRebucketSale
	KindNettingSettled
	KindOvernightIssued
	KindQuietDay
	KindRunEnded
)

func (k Kind) String() string {
	switch k {
	case KindDayStart:
		return "DayStart"
	case KindMint:
		return "Mint"
	case KindPayableIssued:
		return "PayableIssued"
	case KindDeliveryIssued:
		return "DeliveryIssued"
	case KindStockIssued:
		return "StockIssued"
	case KindValueTransferred:
		return "ValueTransferred"
	case KindActionSkipped:
		return "ActionSkipped"
	case KindObligationDue:
		return "ObligationDue"
	case KindSettlementPosted:
		return "SettlementPosted"
	case KindWriteOff:
		return "WriteOff"
	case KindAgentDefaulted:
		return "AgentDefaulted"
	case KindTradeExecuted:
		return "TradeExecuted"
	case KindRebucketSale:
		return "RebucketSale"
	case KindNettingSettled:
		return "NettingSettled"
	case KindOvernightIssued:
		return "OvernightIssued"
	case KindQuietDay:
		return "QuietDay"
	case KindRunEnded:
		return "RunEnded"
	default:
		return "Unknown"
	}
}

// Settlement outcome tags carried on SettlementPosted records.
const (
	ResultSettled   = "settled"
	ResultPartial   = "partial"
	ResultDefaulted = "defaulted"
)

// Trade venue tags carried on TradeExecuted records.
const (
	VenueDealer  = "dealer"
	VenueOutside = "outside"
)

// Record is one economically meaningful action in the append-only log.
// Kind-specific fields stay at their zero value when not applicable; JSON
// export elides them.
type Record struct {
	Seq   int64  `json:"seq"`
	Day   int    `json:"day"`
	Phase string `json:"phase"`
	Kind  string `json:"kind"`

	Agent        ledger.AgentID      `json:"agent,omitempty"`
	Counterparty ledger.AgentID      `json:"counterparty,omitempty"`
	Instrument   ledger.InstrumentID `json:"instrument,omitempty"`
	Amount       decimal.Decimal     `json:"amount"`
	Price        decimal.Decimal     `json:"price,omitempty"`
	Bucket       int                 `json:"bucket,omitempty"`
	Venue        string              `json:"venue,omitempty"`
	Result       string              `json:"result,omitempty"`
	MoneyStock   decimal.Decimal     `json:"money_stock,omitempty"`
	Note         string              `json:"note,omitempty"`

	kind  Kind
	phase Phase
}

// KindTag returns the typed kind discriminator.
func (r Record) KindTag() Kind { return r.kind }

// PhaseTag returns the typed phase discriminator.
func (r Record) PhaseTag() Phase { return r.phase }

// Activity reports whether the record counts against the quiet-day rule:
// settlements, trades, and defaults are activity; bookkeeping records are
// not.
func (r Record) Activity() bool {
	switch r.kind {
	case KindSettlementPosted, KindTradeExecuted, KindRebucketSale,
		KindAgentDefaulted, KindNettingSettled, KindOvernightIssued,
		KindMint, KindPayableIssued, KindDeliveryIssued, KindStockIssued,
		KindValueTransferred, KindWriteOff:
		return true
	default:
		return false
	}
}
