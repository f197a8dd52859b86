package ledger

import "fmt"

// capability lists the agent kinds allowed on each side of an instrument
// kind. This is the policy table consulted at creation time; it is data,
// not per-variant code.
type capability struct {
	issue map[AgentKind]bool // who may owe it as liability
	hold  map[AgentKind]bool // who may hold it as asset
}

func kinds(ks ...AgentKind) map[AgentKind]bool {
	m := make(map[AgentKind]bool, len(ks))
	for _, k := range ks {
		m[k] = true
	}
	return m
}

var anyone = kinds(KindCentralAuthority, KindBank, KindFirm, KindHousehold,
	KindDealer, KindOutsideProvider, KindTreasury)

var traders = kinds(KindBank, KindFirm, KindHousehold, KindTreasury)

var capabilities = map[InstrumentKind]capability{
	Cash: {
		issue: kinds(KindCentralAuthority),
		hold:  kinds(KindBank, KindFirm, KindHousehold, KindDealer, KindOutsideProvider, KindTreasury),
	},
	BankDeposit: {
		issue: kinds(KindBank),
		hold:  kinds(KindBank, KindFirm, KindHousehold, KindDealer, KindOutsideProvider, KindTreasury),
	},
	ReserveDeposit: {
		issue: kinds(KindCentralAuthority),
		hold:  kinds(KindBank, KindTreasury),
	},
	Payable: {
		issue: traders,
		hold:  anyone,
	},
	DeliveryObligation: {
		issue: kinds(KindFirm, KindHousehold, KindTreasury),
		hold:  anyone,
	},
	StockLot: {
		issue: nil, // no liability side
		hold:  kinds(KindFirm, KindHousehold, KindTreasury),
	},
	Ticket: {
		issue: traders,
		hold:  kinds(KindBank, KindFirm, KindHousehold, KindDealer, KindOutsideProvider, KindTreasury),
	},
}

// checkPolicy validates both sides of a prospective instrument against the
// capability table. Violations are configuration errors: the scenario asked
// for a world the model does not define.
func checkPolicy(kind InstrumentKind, issuer, holder *Agent) error {
	cap, ok := capabilities[kind]
	if !ok {
		return fmt.Errorf("no capability entry for instrument kind %s", kind)
	}
	if kind == StockLot {
		if issuer != nil {
			return fmt.Errorf("stock lot cannot have an issuer")
		}
	} else {
		if issuer == nil {
			return fmt.Errorf("%s requires an issuer", kind)
		}
		if !cap.issue[issuer.Kind] {
			return fmt.Errorf("agent kind %s may not issue %s", issuer.Kind, kind)
		}
	}
	if holder == nil {
		return fmt.Errorf("%s requires a holder", kind)
	}
	if !cap.hold[holder.Kind] {
		return fmt.Errorf("agent kind %s may not hold %s", holder.Kind, kind)
	}
	return nil
}

// CanHold reports whether the policy table allows an agent kind to hold the
// instrument kind as asset. Used by transfer checks.
func CanHold(kind InstrumentKind, agent AgentKind) bool {
	return capabilities[kind].hold[agent]
}
