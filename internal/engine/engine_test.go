package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/dealer"
	"github.com/vlad-ds/bilancio/internal/engine"
	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newRing builds the three-firm ring: a owes b, b owes c, c owes a, all 300
// due day 1, with the given starting cash per firm.
func newRing(t *testing.T, startingCash string) (*ledger.Book, engine.Schedule) {
	t.Helper()
	book := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"a", ledger.KindFirm},
		{"b", ledger.KindFirm},
		{"c", ledger.KindFirm},
	} {
		if _, err := book.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}

	cash := dec(startingCash)
	if cash.Sign() > 0 {
		var setup []engine.Action
		for _, id := range []ledger.AgentID{"a", "b", "c"} {
			setup = append(setup, engine.Action{Kind: engine.ActionMintCash, To: id, Amount: cash})
		}
		if err := engine.Setup(book, setup); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	schedule := engine.Schedule{
		1: {
			{Kind: engine.ActionIssuePayable, From: "a", To: "b", Amount: dec("300")},
			{Kind: engine.ActionIssuePayable, From: "b", To: "c", Amount: dec("300")},
			{Kind: engine.ActionIssuePayable, From: "c", To: "a", Amount: dec("300")},
		},
	}
	return book, schedule
}

func run(t *testing.T, book *ledger.Book, cfg engine.Config, schedule engine.Schedule) (*engine.Report, error) {
	t.Helper()
	eng, err := engine.New(book, cfg, schedule, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng.Run(context.Background())
}

func TestRingSettlesWithFullLiquidity(t *testing.T) {
	book, schedule := newRing(t, "300")

	rep, err := run(t, book, engine.Config{
		Stop:           engine.StopUntilQuiet,
		MaxDays:        2,
		QuietThreshold: 1,
		Defaults:       engine.FailFast,
		Check:          ledger.CheckEveryDay,
	}, schedule)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Days != 2 || rep.Stopped != "quiet" {
		t.Fatalf("stopped: got day %d %q, want day 2 quiet", rep.Days, rep.Stopped)
	}

	// The ring nets to zero: every firm ends with its starting cash.
	for _, id := range []ledger.AgentID{"a", "b", "c"} {
		if got := book.MoneyBalance(id, ledger.Cash); !got.Equal(dec("300")) {
			t.Errorf("cash of %s: got %s, want 300", id, got)
		}
	}

	m := rep.Measures[0]
	if !m.TotalDues.Equal(dec("900")) {
		t.Errorf("total dues: got %s, want 900", m.TotalDues)
	}
	if !m.OnTimeRatio.Equal(dec("1")) {
		t.Errorf("on-time ratio: got %s, want 1", m.OnTimeRatio)
	}
	if !m.DefaultRatio.IsZero() {
		t.Errorf("default ratio: got %s, want 0", m.DefaultRatio)
	}
}

func TestRingFailFastOnShortfall(t *testing.T) {
	book, schedule := newRing(t, "0")

	_, err := run(t, book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  2,
		Defaults: engine.FailFast,
		Check:    ledger.CheckEveryDay,
	}, schedule)
	if !errors.Is(err, engine.ErrSettlementDefault) {
		t.Fatalf("run: got %v, want ErrSettlementDefault", err)
	}
}

func TestRingExpelsIlliquidDebtor(t *testing.T) {
	book, schedule := newRing(t, "0")
	// Only b and c can pay: b from its own cash, c from what b sends it.
	setup := []engine.Action{
		{Kind: engine.ActionMintCash, To: "b", Amount: dec("300")},
		{Kind: engine.ActionMintCash, To: "c", Amount: dec("300")},
	}
	if err := engine.Setup(book, setup); err != nil {
		t.Fatalf("setup: %v", err)
	}

	rep, err := run(t, book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  1,
		Defaults: engine.ExpelAgent,
		Check:    ledger.CheckEveryDay,
	}, schedule)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	a, _ := book.Agent("a")
	if !a.Defaulted {
		t.Fatal("agent a not marked defaulted")
	}
	// a's obligation to b is written off; nothing else of a's survives.
	if got := len(book.LiabilitiesOf("a", ledger.Payable)); got != 0 {
		t.Errorf("a still owes %d payables", got)
	}

	var defaulted, writtenOff int
	for _, r := range rep.Events {
		switch r.KindTag() {
		case event.KindAgentDefaulted:
			defaulted++
		case event.KindWriteOff:
			writtenOff++
		}
	}
	if defaulted != 1 {
		t.Errorf("agent-defaulted records: got %d, want 1", defaulted)
	}
	if writtenOff != 1 {
		t.Errorf("write-off records: got %d, want 1", writtenOff)
	}

	// 600 of 900 settled on time.
	m := rep.Measures[0]
	want := dec("600").Div(dec("900"))
	if !m.OnTimeRatio.Equal(want) {
		t.Errorf("on-time ratio: got %s, want %s", m.OnTimeRatio, want)
	}
	if !m.DefaultRatio.Equal(dec("1").Sub(want)) {
		t.Errorf("default ratio: got %s, want %s", m.DefaultRatio, dec("1").Sub(want))
	}
}

// Raising the starting-liquidity ratio must never lower the day-1 on-time
// settlement ratio.
func TestLiquidityRatioMonotonicity(t *testing.T) {
	prev := dec("-1")
	for _, cash := range []string{"0", "150", "300"} {
		book, schedule := newRing(t, cash)
		rep, err := run(t, book, engine.Config{
			Stop:     engine.StopFixedDays,
			MaxDays:  1,
			Defaults: engine.ExpelAgent,
			Check:    ledger.CheckEveryDay,
		}, schedule)
		if err != nil {
			t.Fatalf("run with cash %s: %v", cash, err)
		}
		ratio := rep.Measures[0].OnTimeRatio
		if ratio.LessThan(prev) {
			t.Fatalf("on-time ratio dropped from %s to %s as starting cash rose to %s", prev, ratio, cash)
		}
		prev = ratio
	}
	if !prev.Equal(dec("1")) {
		t.Errorf("full-liquidity ratio: got %s, want 1", prev)
	}
}

func TestInterbankNettingWithOvernightFallback(t *testing.T) {
	book := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"bank-a", ledger.KindBank},
		{"bank-b", ledger.KindBank},
		{"firm-a", ledger.KindFirm},
		{"firm-b", ledger.KindFirm},
	} {
		if _, err := book.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}
	setup := []engine.Action{
		{Kind: engine.ActionOpenDeposit, To: "firm-a", Bank: "bank-a", Amount: dec("100")},
		{Kind: engine.ActionOpenDeposit, To: "firm-b", Bank: "bank-b", Amount: dec("50")},
		{Kind: engine.ActionMintReserve, To: "bank-a", Amount: dec("60")},
	}
	if err := engine.Setup(book, setup); err != nil {
		t.Fatalf("setup: %v", err)
	}
	stockBefore := book.MoneyStock()

	schedule := engine.Schedule{
		1: {{Kind: engine.ActionIssuePayable, From: "firm-a", To: "firm-b", Amount: dec("100")}},
	}
	rep, err := run(t, book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  1,
		Defaults: engine.FailFast,
		Check:    ledger.CheckEveryDay,
	}, schedule)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The payment lands at the receiver's home bank, draining bank-a's
	// books into bank-b's.
	if got := book.MoneyBalance("firm-b", ledger.BankDeposit); !got.Equal(dec("150")) {
		t.Errorf("firm-b deposits: got %s, want 150", got)
	}
	if got := book.MoneyBalance("firm-a", ledger.BankDeposit); !got.IsZero() {
		t.Errorf("firm-a deposits: got %s, want 0", got)
	}

	// bank-a owes bank-b 100, covers 60 in reserves, rolls 40 overnight.
	if got := book.MoneyBalance("bank-b", ledger.ReserveDeposit); !got.Equal(dec("60")) {
		t.Errorf("bank-b reserves: got %s, want 60", got)
	}
	overnight := book.LiabilitiesOf("bank-a", ledger.Payable)
	if len(overnight) != 1 {
		t.Fatalf("overnight payables: got %d, want 1", len(overnight))
	}
	if !overnight[0].Amount.Equal(dec("40")) || overnight[0].DueDay != 2 {
		t.Errorf("overnight payable: got %s due day %d, want 40 due day 2", overnight[0].Amount, overnight[0].DueDay)
	}

	var settled, issued bool
	for _, r := range rep.Events {
		switch r.KindTag() {
		case event.KindNettingSettled:
			settled = r.Amount.Equal(dec("60"))
		case event.KindOvernightIssued:
			issued = r.Amount.Equal(dec("40"))
		}
	}
	if !settled || !issued {
		t.Errorf("netting records: settled=%v issued=%v, want both", settled, issued)
	}

	if got := book.MoneyStock(); !got.Equal(stockBefore) {
		t.Errorf("money stock: got %s, want unchanged %s", got, stockBefore)
	}
}

// Tickets with the same issuer and maturity settle pro rata when the
// issuer's liquidity falls short: every holder receives the same fraction
// of face, exactly one settlement record per ticket enters the log, and
// the realized recovery reprices the bucket's outside anchor.
func TestTicketGroupSettlesProRata(t *testing.T) {
	book := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"dealer-0", ledger.KindDealer},
		{"outside-0", ledger.KindOutsideProvider},
		{"firm-a", ledger.KindFirm},
		{"firm-b", ledger.KindFirm},
		{"firm-c", ledger.KindFirm},
	} {
		if _, err := book.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}
	if err := engine.Setup(book, []engine.Action{
		{Kind: engine.ActionMintCash, To: "firm-a", Amount: dec("40")},
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, h := range []struct {
		holder ledger.AgentID
		face   string
	}{
		{"firm-b", "60"},
		{"firm-c", "40"},
	} {
		if _, err := book.CreateInstrument(ledger.CreateSpec{
			Kind: ledger.Ticket, Issuer: "firm-a", Holder: h.holder,
			Amount: dec(h.face), DueDay: 1, BucketID: 0, IssuerTag: "firm-a",
		}); err != nil {
			t.Fatalf("create ticket: %v", err)
		}
	}

	mcfg := dealer.Config{
		Boundaries:   []int{2},
		Capacity:     []decimal.Decimal{dec("1000"), dec("1000")},
		Inner:        dec("0.5"),
		Skew:         dec("0.5"),
		AnchorMid:    dec("0.9"),
		AnchorSpread: dec("0.2"),
		AnchorAlpha:  dec("0.5"),
		SpreadBeta:   dec("0.5"),
		Lookahead:    3,
	}
	market, err := dealer.New(book, mcfg, []dealer.BucketAgents{
		{Dealer: "dealer-0", Outside: "outside-0"},
		{Dealer: "dealer-0", Outside: "outside-0"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("market: %v", err)
	}

	eng, err := engine.New(book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  1,
		Defaults: engine.ExpelAgent,
		Check:    ledger.CheckEveryDay,
	}, nil, market, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	rep, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// 40 cash against 100 of face: every holder recovers fraction 0.4.
	if got := book.MoneyBalance("firm-b", ledger.Cash); !got.Equal(dec("24")) {
		t.Errorf("firm-b cash: got %s, want 24", got)
	}
	if got := book.MoneyBalance("firm-c", ledger.Cash); !got.Equal(dec("16")) {
		t.Errorf("firm-c cash: got %s, want 16", got)
	}
	if got := book.MoneyBalance("firm-a", ledger.Cash); !got.IsZero() {
		t.Errorf("issuer cash: got %s, want 0", got)
	}

	a, _ := book.Agent("firm-a")
	if !a.Defaulted {
		t.Fatal("issuer not marked defaulted")
	}
	if got := len(book.LiabilitiesOf("firm-a", ledger.Ticket)); got != 0 {
		t.Errorf("tickets left after write-off: %d", got)
	}

	var posted []event.Record
	for _, r := range rep.Events {
		if r.KindTag() == event.KindSettlementPosted {
			posted = append(posted, r)
		}
	}
	if len(posted) != 2 {
		t.Fatalf("settlement records: got %d, want one per ticket", len(posted))
	}
	for i, want := range []string{"24", "16"} {
		if !posted[i].Amount.Equal(dec(want)) || posted[i].Result != event.ResultPartial {
			t.Errorf("settlement %d: amount %s result %s, want %s partial",
				i, posted[i].Amount, posted[i].Result, want)
		}
	}

	// The paid amounts enter the measures exactly once.
	m := rep.Measures[0]
	if !m.TotalDues.Equal(dec("100")) {
		t.Errorf("total dues: got %s, want 100", m.TotalDues)
	}
	if !m.GrossSettled.Equal(dec("40")) {
		t.Errorf("gross settled: got %s, want 40", m.GrossSettled)
	}
	if !m.OnTimeRatio.Equal(dec("0.4")) {
		t.Errorf("on-time ratio: got %s, want 0.4", m.OnTimeRatio)
	}

	mid, spread := market.Anchor(0)
	if !mid.Equal(dec("0.63")) {
		t.Errorf("anchor mid after 0.4 recovery: got %s, want 0.63", mid)
	}
	if !spread.Equal(dec("0.47")) {
		t.Errorf("anchor spread after 0.4 recovery: got %s, want 0.47", spread)
	}
}

func TestScheduledActionsSkipDefaultedAgents(t *testing.T) {
	book := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"a", ledger.KindFirm},
		{"b", ledger.KindFirm},
	} {
		if _, err := book.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}
	if err := engine.Setup(book, []engine.Action{
		{Kind: engine.ActionMintCash, To: "b", Amount: dec("100")},
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	schedule := engine.Schedule{
		1: {{Kind: engine.ActionIssuePayable, From: "a", To: "b", Amount: dec("50")}},
		2: {{Kind: engine.ActionTransferValue, From: "a", To: "b", Amount: dec("10")}},
	}
	rep, err := run(t, book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  2,
		Defaults: engine.ExpelAgent,
		Check:    ledger.CheckEveryDay,
	}, schedule)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var skipped bool
	for _, r := range rep.Events {
		if r.KindTag() == event.KindActionSkipped && r.Day == 2 {
			skipped = true
		}
	}
	if !skipped {
		t.Error("day-2 action referencing defaulted agent was not skipped")
	}
}

func TestDeliveryObligationSettlesInStock(t *testing.T) {
	book := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"a", ledger.KindFirm},
		{"b", ledger.KindFirm},
	} {
		if _, err := book.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}
	if err := engine.Setup(book, []engine.Action{
		{Kind: engine.ActionIssueStock, To: "a", Amount: dec("80")},
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	schedule := engine.Schedule{
		1: {{Kind: engine.ActionIssueDelivery, From: "a", To: "b", Amount: dec("80")}},
	}
	_, err := run(t, book, engine.Config{
		Stop:     engine.StopFixedDays,
		MaxDays:  1,
		Defaults: engine.FailFast,
		Check:    ledger.CheckEveryDay,
	}, schedule)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := book.MoneyBalance("b", ledger.StockLot); !got.Equal(dec("80")) {
		t.Errorf("b stock: got %s, want 80", got)
	}
	if got := book.MoneyBalance("a", ledger.StockLot); !got.IsZero() {
		t.Errorf("a stock: got %s, want 0", got)
	}
}
