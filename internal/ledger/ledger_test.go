package ledger_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newTestBook builds a book with one agent of every kind that the tests
// reach for.
func newTestBook(t *testing.T) *ledger.Book {
	t.Helper()
	b := ledger.NewBook()
	for _, a := range []struct {
		id   ledger.AgentID
		kind ledger.AgentKind
	}{
		{"central", ledger.KindCentralAuthority},
		{"bank-a", ledger.KindBank},
		{"bank-b", ledger.KindBank},
		{"firm-a", ledger.KindFirm},
		{"firm-b", ledger.KindFirm},
		{"hh-a", ledger.KindHousehold},
		{"dealer-1", ledger.KindDealer},
	} {
		if _, err := b.AddAgent(a.id, a.kind, string(a.id)); err != nil {
			t.Fatalf("add agent %s: %v", a.id, err)
		}
	}
	return b
}

func mustCreate(t *testing.T, b *ledger.Book, spec ledger.CreateSpec) *ledger.Instrument {
	t.Helper()
	in, err := b.CreateInstrument(spec)
	if err != nil {
		t.Fatalf("create %s: %v", spec.Kind, err)
	}
	return in
}

func TestCreatePolicyRejectsWrongIssuer(t *testing.T) {
	b := newTestBook(t)

	_, err := b.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.Cash, Issuer: "firm-a", Holder: "hh-a", Amount: dec("10"),
	})
	if !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("firm issuing cash: got %v, want ErrPolicy", err)
	}

	_, err = b.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.ReserveDeposit, Issuer: "central", Holder: "firm-a", Amount: dec("10"),
	})
	if !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("firm holding reserves: got %v, want ErrPolicy", err)
	}

	_, err = b.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.StockLot, Issuer: "firm-a", Holder: "firm-a", Amount: dec("10"),
	})
	if !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("stock lot with issuer: got %v, want ErrPolicy", err)
	}

	lot := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.StockLot, Holder: "firm-a", Amount: dec("10"),
	})
	if lot.Issuer != "" {
		t.Errorf("stock lot issuer: got %q, want empty", lot.Issuer)
	}
}

func TestCreatePolicyRejectsNegativeAndPastDue(t *testing.T) {
	b := newTestBook(t)

	_, err := b.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.Cash, Issuer: "central", Holder: "firm-a", Amount: dec("-1"),
	})
	if !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("negative amount: got %v, want ErrPolicy", err)
	}

	_, err = b.CreateInstrument(ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "firm-b",
		Amount: dec("100"), DueDay: 1, CreatedDay: 3,
	})
	if !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("due before creation: got %v, want ErrPolicy", err)
	}
}

func TestEffectiveHolderFollowsTrade(t *testing.T) {
	b := newTestBook(t)
	p := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "firm-b",
		Amount: dec("100"), DueDay: 5, CreatedDay: 1,
	})

	if got := p.EffectiveHolder(); got != "firm-b" {
		t.Fatalf("effective holder before trade: got %q, want firm-b", got)
	}
	if p.OriginalCreditor != "firm-b" {
		t.Fatalf("original creditor: got %q, want firm-b", p.OriginalCreditor)
	}

	if err := b.Transfer(p.ID, "firm-b", "hh-a"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := p.EffectiveHolder(); got != "hh-a" {
		t.Fatalf("effective holder after trade: got %q, want hh-a", got)
	}
	// The original creditor survives the trade.
	if p.OriginalCreditor != "firm-b" {
		t.Fatalf("original creditor after trade: got %q, want firm-b", p.OriginalCreditor)
	}
	if err := b.CheckInvariants(); err != nil {
		t.Fatalf("invariants after trade: %v", err)
	}
}

func TestTransferRejectsWrongHolderAndPolicy(t *testing.T) {
	b := newTestBook(t)
	p := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "firm-b",
		Amount: dec("100"), DueDay: 5, CreatedDay: 1,
	})

	if err := b.Transfer(p.ID, "hh-a", "firm-b"); !errors.Is(err, ledger.ErrInvariantViolation) {
		t.Fatalf("transfer from non-holder: got %v, want ErrInvariantViolation", err)
	}

	lot := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.StockLot, Holder: "firm-a", Amount: dec("50"),
	})
	if err := b.Transfer(lot.ID, "firm-a", "dealer-1"); !errors.Is(err, ledger.ErrPolicy) {
		t.Fatalf("stock to dealer: got %v, want ErrPolicy", err)
	}
}

func TestAtomicRollsBackAllSteps(t *testing.T) {
	b := newTestBook(t)
	cash := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Cash, Issuer: "central", Holder: "firm-a", Amount: dec("100"),
	})
	before := b.MoneyStock()

	failure := errors.New("boom")
	err := b.Atomic(func(tx *ledger.Tx) error {
		if err := tx.SetAmount(cash.ID, dec("40")); err != nil {
			return err
		}
		if _, err := tx.CreateInstrument(ledger.CreateSpec{
			Kind: ledger.Cash, Issuer: "central", Holder: "firm-b", Amount: dec("60"),
		}); err != nil {
			return err
		}
		if err := tx.MarkDefaulted("firm-a"); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("atomic: got %v, want wrapped failure", err)
	}

	if got := cash.Amount; !got.Equal(dec("100")) {
		t.Errorf("cash amount after rollback: got %s, want 100", got)
	}
	if got := b.MoneyStock(); !got.Equal(before) {
		t.Errorf("money stock after rollback: got %s, want %s", got, before)
	}
	if a, _ := b.Agent("firm-a"); a.Defaulted {
		t.Error("default flag not rolled back")
	}
	if got := len(b.Instruments()); got != 1 {
		t.Errorf("instrument count after rollback: got %d, want 1", got)
	}
	if err := b.CheckInvariants(); err != nil {
		t.Fatalf("invariants after rollback: %v", err)
	}
}

func TestRemoveResolvesEffectiveHolder(t *testing.T) {
	b := newTestBook(t)
	p := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "firm-b",
		Amount: dec("100"), DueDay: 5, CreatedDay: 1,
	})
	if err := b.Transfer(p.ID, "firm-b", "hh-a"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := b.Remove(p.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The claim must come off the buyer's books, not the original
	// creditor's, and off the issuer's liability side.
	hh, _ := b.Agent("hh-a")
	if len(hh.Assets) != 0 {
		t.Errorf("buyer still carries %d assets", len(hh.Assets))
	}
	issuer, _ := b.Agent("firm-a")
	if len(issuer.Liabilities) != 0 {
		t.Errorf("issuer still carries %d liabilities", len(issuer.Liabilities))
	}
	if err := b.CheckInvariants(); err != nil {
		t.Fatalf("invariants after remove: %v", err)
	}
}

func TestMoveMoneyDrainsAscendingAndIsolatesIssuers(t *testing.T) {
	b := newTestBook(t)
	first := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.BankDeposit, Issuer: "bank-a", Holder: "firm-a", Amount: dec("30"),
	})
	second := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.BankDeposit, Issuer: "bank-a", Holder: "firm-a", Amount: dec("70"),
	})
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.BankDeposit, Issuer: "bank-b", Holder: "firm-a", Amount: dec("500"),
	})

	err := b.Atomic(func(tx *ledger.Tx) error {
		return ledger.MoveMoney(tx, ledger.BankDeposit, "bank-a", "firm-a", "firm-b", dec("50"))
	})
	if err != nil {
		t.Fatalf("move money: %v", err)
	}

	// Ascending-id drain: the older deposit empties first.
	if !first.Amount.IsZero() {
		t.Errorf("first deposit: got %s, want 0", first.Amount)
	}
	if !second.Amount.Equal(dec("50")) {
		t.Errorf("second deposit: got %s, want 50", second.Amount)
	}
	if got := b.MoneyBalance("firm-b", ledger.BankDeposit); !got.Equal(dec("50")) {
		t.Errorf("receiver balance: got %s, want 50", got)
	}
	// The bank-b deposit is a different claim and stays untouched.
	if got := b.MoneyBalance("firm-a", ledger.BankDeposit); !got.Equal(dec("550")) {
		t.Errorf("payer balance: got %s, want 550", got)
	}

	// Insufficient balance at the named issuer fails without partial
	// effect.
	err = b.Atomic(func(tx *ledger.Tx) error {
		return ledger.MoveMoney(tx, ledger.BankDeposit, "bank-a", "firm-a", "firm-b", dec("51"))
	})
	if err == nil {
		t.Fatal("overdraw succeeded")
	}
	if got := b.MoneyBalance("firm-a", ledger.BankDeposit); !got.Equal(dec("550")) {
		t.Errorf("payer balance after failed move: got %s, want 550", got)
	}
	if err := b.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestMoneyStockChangesOnlyByMinting(t *testing.T) {
	b := newTestBook(t)
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Cash, Issuer: "central", Holder: "firm-a", Amount: dec("300"),
	})
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.BankDeposit, Issuer: "bank-a", Holder: "hh-a", Amount: dec("200"),
	})
	if got := b.MoneyStock(); !got.Equal(dec("500")) {
		t.Fatalf("money stock: got %s, want 500", got)
	}

	// Payables and stock are not money.
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "hh-a",
		Amount: dec("1000"), DueDay: 3, CreatedDay: 1,
	})
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.StockLot, Holder: "firm-a", Amount: dec("1000"),
	})
	if got := b.MoneyStock(); !got.Equal(dec("500")) {
		t.Fatalf("money stock after non-money issues: got %s, want 500", got)
	}

	// Transfers move money without changing the stock.
	err := b.Atomic(func(tx *ledger.Tx) error {
		return ledger.MoveMoney(tx, ledger.Cash, "central", "firm-a", "hh-a", dec("120"))
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := b.MoneyStock(); !got.Equal(dec("500")) {
		t.Fatalf("money stock after transfer: got %s, want 500", got)
	}
}

func TestCheckInvariantsIsIdempotent(t *testing.T) {
	b := newTestBook(t)
	mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Cash, Issuer: "central", Holder: "firm-a", Amount: dec("300"),
	})
	p := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Payable, Issuer: "firm-a", Holder: "firm-b",
		Amount: dec("100"), DueDay: 5, CreatedDay: 1,
	})
	if err := b.Transfer(p.ID, "firm-b", "hh-a"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.CheckInvariants(); err != nil {
			t.Fatalf("walk %d: %v", i, err)
		}
	}
}

func TestTicketSerialsAreMonotonic(t *testing.T) {
	b := newTestBook(t)
	a := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Ticket, Issuer: "firm-a", Holder: "dealer-1",
		Amount: dec("10"), DueDay: 4, CreatedDay: 1, IssuerTag: "firm-a",
	})
	c := mustCreate(t, b, ledger.CreateSpec{
		Kind: ledger.Ticket, Issuer: "firm-b", Holder: "dealer-1",
		Amount: dec("10"), DueDay: 4, CreatedDay: 1, IssuerTag: "firm-b",
	})
	if a.Serial >= c.Serial {
		t.Fatalf("serials not monotonic: %d then %d", a.Serial, c.Serial)
	}
}
