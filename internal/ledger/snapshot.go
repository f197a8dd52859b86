package ledger

import "github.com/shopspring/decimal"

// InstrumentBalance is one instrument line in a balance snapshot.
type InstrumentBalance struct {
	ID     InstrumentID    `json:"id"`
	Kind   string          `json:"kind"`
	Issuer AgentID         `json:"issuer,omitempty"`
	Holder AgentID         `json:"holder"`
	Amount decimal.Decimal `json:"amount"`
	DueDay int             `json:"due_day,omitempty"`
}

// AgentBalance is the end-of-run position of one agent.
type AgentBalance struct {
	Agent       AgentID             `json:"agent"`
	Kind        string              `json:"kind"`
	Defaulted   bool                `json:"defaulted"`
	Assets      []InstrumentBalance `json:"assets"`
	Liabilities []InstrumentBalance `json:"liabilities"`
}

// Snapshot captures every agent's asset/liability instrument ids and
// amounts. This is the balance half of the core's observable surface; the
// event log is the other half.
func (b *Book) Snapshot() []AgentBalance {
	line := func(in *Instrument) InstrumentBalance {
		return InstrumentBalance{
			ID:     in.ID,
			Kind:   in.Kind.String(),
			Issuer: in.Issuer,
			Holder: in.EffectiveHolder(),
			Amount: in.Amount,
			DueDay: in.DueDay,
		}
	}

	out := make([]AgentBalance, 0, len(b.agentOrder))
	for _, a := range b.Agents() {
		ab := AgentBalance{
			Agent:     a.ID,
			Kind:      a.Kind.String(),
			Defaulted: a.Defaulted,
		}
		for _, in := range b.Instruments() {
			if in.EffectiveHolder() == a.ID {
				ab.Assets = append(ab.Assets, line(in))
			}
			if in.Kind != StockLot && in.Issuer == a.ID {
				ab.Liabilities = append(ab.Liabilities, line(in))
			}
		}
		out = append(out, ab)
	}
	return out
}
