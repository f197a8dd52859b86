package ledger

import "fmt"

// AgentKind classifies an economic actor. The kind determines which
// instrument kinds the agent may hold as asset or issue as liability
// (see policy.go).
type AgentKind uint8

const (
	KindCentralAuthority AgentKind = iota
	KindBank
	KindFirm
	KindHousehold
	KindDealer
	KindOutsideProvider
	KindTreasury
)

func (k AgentKind) String() string {
	switch k {
	case KindCentralAuthority:
		return "central-authority"
	case KindBank:
		return "bank"
	case KindFirm:
		return "firm"
	case KindHousehold:
		return "household"
	case KindDealer:
		return "dealer"
	case KindOutsideProvider:
		return "outside-liquidity-provider"
	case KindTreasury:
		return "treasury"
	default:
		return "unknown"
	}
}

// ParseAgentKind maps the scenario-file spelling to an AgentKind.
func ParseAgentKind(s string) (AgentKind, error) {
	switch s {
	case "central-authority":
		return KindCentralAuthority, nil
	case "bank":
		return KindBank, nil
	case "firm":
		return KindFirm, nil
	case "household":
		return KindHousehold, nil
	case "dealer":
		return KindDealer, nil
	case "outside-liquidity-provider":
		return KindOutsideProvider, nil
	case "treasury":
		return KindTreasury, nil
	default:
		return 0, fmt.Errorf("unknown agent kind %q", s)
	}
}

// IsMarketMaker reports whether the agent kind belongs to the secondary
// market (dealer or outside liquidity provider).
func (k AgentKind) IsMarketMaker() bool {
	return k == KindDealer || k == KindOutsideProvider
}

// AgentID is the scenario-assigned identifier of an agent.
type AgentID string

// Agent is an economic actor with asset/liability instrument holdings.
// Agents are created at scenario setup and never destroyed; a defaulted
// agent stays on the books but is excluded from future scheduled actions.
type Agent struct {
	ID        AgentID
	Kind      AgentKind
	Name      string
	Defaulted bool

	// Registries hold instrument ids only; the Book owns the instruments.
	Assets      map[InstrumentID]struct{}
	Liabilities map[InstrumentID]struct{}
}

func newAgent(id AgentID, kind AgentKind, name string) *Agent {
	return &Agent{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Assets:      make(map[InstrumentID]struct{}),
		Liabilities: make(map[InstrumentID]struct{}),
	}
}

func (a *Agent) holdsAsset(id InstrumentID) bool {
	_, ok := a.Assets[id]
	return ok
}

func (a *Agent) owesLiability(id InstrumentID) bool {
	_, ok := a.Liabilities[id]
	return ok
}
