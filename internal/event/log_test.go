package event_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/event"
)

func TestAppendSequencesAndTags(t *testing.T) {
	l := event.NewLog()
	first := l.Append(1, event.PhaseDayStart, event.KindDayStart, event.Record{})
	second := l.Append(1, event.PhaseMaturity, event.KindObligationDue, event.Record{
		Agent: "firm-a", Amount: decimal.NewFromInt(10),
	})

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("sequence: got %d, %d", first.Seq, second.Seq)
	}
	if second.Kind != "ObligationDue" || second.Phase != "maturity-settlement" {
		t.Errorf("string tags: kind %q phase %q", second.Kind, second.Phase)
	}
	if second.KindTag() != event.KindObligationDue {
		t.Errorf("typed tag lost: %v", second.KindTag())
	}
	if got := len(l.DayRecords(1)); got != 2 {
		t.Errorf("day records: got %d, want 2", got)
	}
}

func TestLogDigestIsDeterministic(t *testing.T) {
	build := func(amount int64) *event.Log {
		l := event.NewLog()
		l.Append(1, event.PhaseDayStart, event.KindDayStart, event.Record{MoneyStock: decimal.NewFromInt(100)})
		l.Append(1, event.PhaseMaturity, event.KindSettlementPosted, event.Record{
			Agent: "firm-a", Counterparty: "firm-b", Amount: decimal.NewFromInt(amount),
		})
		return l
	}

	a, b := event.LogDigest(build(50)), event.LogDigest(build(50))
	if a != b {
		t.Errorf("same log, different digests: %s vs %s", a, b)
	}
	if c := event.LogDigest(build(51)); c == a {
		t.Error("digest blind to an amount change")
	}
	if len(a) != 64 {
		t.Errorf("digest length: got %d hex chars, want 64", len(a))
	}
}
