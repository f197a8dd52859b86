package scenario

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/dealer"
	"github.com/vlad-ds/bilancio/internal/engine"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

// Built is the assembled run: everything the engine constructor needs.
type Built struct {
	Book     *ledger.Book
	Config   engine.Config
	Schedule engine.Schedule
	Market   *dealer.Market // nil when the dealer market is disabled
}

// Build validates the scenario semantically and assembles the run. Agents
// are registered in listed order, setup actions are applied, market-maker
// capital is minted as new money, and the setup-time invariant check runs
// when configured. Every failure here is a ConfigurationError.
func Build(f *File, logger zerolog.Logger) (*Built, error) {
	cfg, err := buildRunConfig(f.Run)
	if err != nil {
		return nil, err
	}

	book := ledger.NewBook()
	for _, a := range f.Agents {
		kind, err := ledger.ParseAgentKind(a.Kind)
		if err != nil {
			return nil, errf("agent %q: %v", a.ID, err)
		}
		if _, err := book.AddAgent(ledger.AgentID(a.ID), kind, a.Name); err != nil {
			return nil, errf("agent %q: %v", a.ID, err)
		}
	}

	setup, err := buildActions(book, f.Setup)
	if err != nil {
		return nil, err
	}
	schedule := make(engine.Schedule, len(f.Days))
	for day, defs := range f.Days {
		if day < 1 {
			return nil, errf("scheduled actions keyed by day %d; days start at 1", day)
		}
		actions, err := buildActions(book, defs)
		if err != nil {
			return nil, err
		}
		schedule[day] = actions
	}

	if err := checkMakerProvenance(book, setup, schedule); err != nil {
		return nil, err
	}

	var market *dealer.Market
	if f.Dealer != nil && f.Dealer.Enabled {
		market, setup, err = buildMarket(book, f.Dealer, setup, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := engine.Setup(book, setup); err != nil {
		return nil, errf("%v", err)
	}
	if cfg.Check == ledger.CheckOnSetup || cfg.Check == ledger.CheckEveryDay {
		if err := book.CheckInvariants(); err != nil {
			return nil, errf("setup invariant check: %v", err)
		}
	}

	return &Built{Book: book, Config: cfg, Schedule: schedule, Market: market}, nil
}

func buildRunConfig(r RunDef) (engine.Config, error) {
	var cfg engine.Config
	var err error

	if cfg.Stop, err = engine.ParseStopMode(r.Stop); err != nil {
		return cfg, errf("run.stop: %v", err)
	}
	if cfg.Defaults, err = engine.ParseDefaultMode(r.Defaults); err != nil {
		return cfg, errf("run.defaults: %v", err)
	}
	if cfg.Check, err = ledger.ParseCheckMode(r.Checks); err != nil {
		return cfg, errf("run.checks: %v", err)
	}
	cfg.MaxDays = r.MaxDays
	cfg.QuietThreshold = r.QuietThreshold
	if err := cfg.Validate(); err != nil {
		return cfg, errf("run config: %v", err)
	}
	return cfg, nil
}

func buildActions(book *ledger.Book, defs []ActionDef) ([]engine.Action, error) {
	actions := make([]engine.Action, 0, len(defs))
	for i, d := range defs {
		kind, err := engine.ParseActionKind(d.Action)
		if err != nil {
			return nil, errf("action %d: %v", i, err)
		}
		amount, err := parseAmount(d.Amount)
		if err != nil {
			return nil, errf("action %d (%s): %v", i, d.Action, err)
		}
		a := engine.Action{
			Kind:   kind,
			From:   ledger.AgentID(d.From),
			To:     ledger.AgentID(d.To),
			Bank:   ledger.AgentID(d.Bank),
			Amount: amount,
			DueIn:  d.DueIn,
		}
		for _, id := range []ledger.AgentID{a.From, a.To, a.Bank} {
			if id == "" {
				continue
			}
			if _, ok := book.Agent(id); !ok {
				return nil, errf("action %d (%s): unknown agent %q", i, d.Action, id)
			}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errf("missing amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errf("bad amount %q: %v", s, err)
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, errf("amount must be positive, got %q", s)
	}
	return d, nil
}

// checkMakerProvenance enforces the market-maker capital model: dealer and
// outside-provider capital is new money minted at setup, never claims or
// value routed from the traded population. A scenario that makes a market
// maker the creditor of an issued obligation, or the receiver of a value
// transfer, is silently measuring a market that feeds on the liquidity it
// is supposed to supplement.
func checkMakerProvenance(book *ledger.Book, setup []engine.Action, schedule engine.Schedule) error {
	check := func(actions []engine.Action, where string) error {
		for i, a := range actions {
			switch a.Kind {
			case engine.ActionIssuePayable, engine.ActionIssueDelivery, engine.ActionTransferValue:
				for _, id := range []ledger.AgentID{a.From, a.To} {
					if agent, ok := book.Agent(id); ok && agent.Kind.IsMarketMaker() {
						return errf("%s action %d (%s): market maker %q cannot be a party to issued claims or transfers",
							where, i, a.Kind, id)
					}
				}
			}
		}
		return nil
	}
	if err := check(setup, "setup"); err != nil {
		return err
	}
	for day, actions := range schedule {
		if err := check(actions, fmt.Sprintf("day %d", day)); err != nil {
			return err
		}
	}
	return nil
}

// buildMarket assembles the dealer market and prepends the capital mints
// to the setup actions, so maker cash enters the world as new money.
func buildMarket(book *ledger.Book, d *DealerDef, setup []engine.Action, logger zerolog.Logger) (*dealer.Market, []engine.Action, error) {
	cfg := dealer.Config{
		Boundaries: d.Boundaries,
		Lookahead:  d.Lookahead,
		BuySide:    d.BuySide,
	}
	var err error
	if cfg.Inner, err = parseAmountField(d.Inner, "dealer.inner"); err != nil {
		return nil, nil, err
	}
	if cfg.Skew, err = parseAmountField(d.Skew, "dealer.skew"); err != nil {
		return nil, nil, err
	}
	if cfg.AnchorMid, err = parseAmountField(d.AnchorMid, "dealer.anchor_mid"); err != nil {
		return nil, nil, err
	}
	if cfg.AnchorSpread, err = parseAmountField(d.AnchorSpread, "dealer.anchor_spread"); err != nil {
		return nil, nil, err
	}
	if cfg.AnchorAlpha, err = parseAmountField(d.AnchorAlpha, "dealer.anchor_alpha"); err != nil {
		return nil, nil, err
	}
	if cfg.SpreadBeta, err = parseAmountField(d.SpreadBeta, "dealer.spread_beta"); err != nil {
		return nil, nil, err
	}
	for i, c := range d.Capacity {
		amt, err := parseAmount(c)
		if err != nil {
			return nil, nil, errf("dealer.capacity[%d]: %v", i, err)
		}
		cfg.Capacity = append(cfg.Capacity, amt)
	}

	if len(d.Buckets) != cfg.NumBuckets() {
		return nil, nil, errf("dealer: %d bucket agent pairs for %d buckets", len(d.Buckets), cfg.NumBuckets())
	}

	var agents []dealer.BucketAgents
	var mints []engine.Action
	for i, b := range d.Buckets {
		pair := dealer.BucketAgents{
			Dealer:  ledger.AgentID(b.Dealer),
			Outside: ledger.AgentID(b.Outside),
		}
		agents = append(agents, pair)

		dealerCash, err := parseAmount(b.DealerCash)
		if err != nil {
			return nil, nil, errf("dealer.buckets[%d].dealer_cash: %v", i, err)
		}
		outsideCash, err := parseAmount(b.OutsideCash)
		if err != nil {
			return nil, nil, errf("dealer.buckets[%d].outside_cash: %v", i, err)
		}
		mints = append(mints,
			engine.Action{Kind: engine.ActionMintCash, To: pair.Dealer, Amount: dealerCash},
			engine.Action{Kind: engine.ActionMintCash, To: pair.Outside, Amount: outsideCash},
		)
	}

	market, err := dealer.New(book, cfg, agents, logger)
	if err != nil {
		return nil, nil, errf("dealer: %v", err)
	}
	return market, append(mints, setup...), nil
}

func parseAmountField(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errf("%s: missing value", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errf("%s: bad value %q: %v", field, s, err)
	}
	if d.Sign() < 0 {
		return decimal.Decimal{}, errf("%s: must be non-negative", field)
	}
	return d, nil
}
