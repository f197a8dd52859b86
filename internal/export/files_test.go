package export_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/engine"
	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/export"
	"github.com/vlad-ds/bilancio/internal/ledger"
	"github.com/vlad-ds/bilancio/internal/measure"
)

func sampleReport(t *testing.T) *engine.Report {
	t.Helper()
	l := event.NewLog()
	l.Append(1, event.PhaseDayStart, event.KindDayStart, event.Record{MoneyStock: decimal.NewFromInt(300)})
	l.Append(1, event.PhaseMaturity, event.KindObligationDue, event.Record{
		Agent: "firm-a", Counterparty: "firm-b", Amount: decimal.NewFromInt(100),
	})
	l.Append(1, event.PhaseMaturity, event.KindSettlementPosted, event.Record{
		Agent: "firm-a", Counterparty: "firm-b", Amount: decimal.NewFromInt(100),
		Result: event.ResultSettled,
	})

	return &engine.Report{
		RunID:   uuid.MustParse("5a3e1e08-9a1d-4a5e-b2f1-0c6d6d1f6a10"),
		Days:    1,
		Stopped: "max-days",
		Digest:  event.LogDigest(l),
		Events:  l.Records(),
		Balances: []ledger.AgentBalance{
			{Agent: "firm-a", Kind: "firm"},
			{Agent: "firm-b", Kind: "firm"},
		},
		Measures: []measure.DayMeasures{measure.Compute(1, l.DayRecords(1))},
	}
}

func TestFileExporterWritesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	rep := sampleReport(t)

	if err := export.NewFileExporter(dir).WriteReport(rep); err != nil {
		t.Fatalf("write report: %v", err)
	}

	var header struct {
		RunID   string `json:"run_id"`
		Days    int    `json:"days"`
		Stopped string `json:"stopped"`
		Digest  string `json:"digest"`
	}
	raw, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		t.Fatalf("decode run.json: %v", err)
	}
	if header.RunID != rep.RunID.String() || header.Stopped != "max-days" {
		t.Errorf("header: %+v", header)
	}
	if header.Digest != rep.Digest || len(header.Digest) != 64 {
		t.Errorf("header digest %q does not match report digest %q", header.Digest, rep.Digest)
	}

	file, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open events.jsonl: %v", err)
	}
	defer file.Close()
	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r event.Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		if r.Seq != int64(lines+1) {
			t.Errorf("line %d has seq %d", lines+1, r.Seq)
		}
		lines++
	}
	if lines != len(rep.Events) {
		t.Errorf("events.jsonl lines: got %d, want %d", lines, len(rep.Events))
	}

	var measures []measure.DayMeasures
	raw, err = os.ReadFile(filepath.Join(dir, "measures.json"))
	if err != nil {
		t.Fatalf("read measures.json: %v", err)
	}
	if err := json.Unmarshal(raw, &measures); err != nil {
		t.Fatalf("decode measures.json: %v", err)
	}
	if len(measures) != 1 || !measures[0].TotalDues.Equal(decimal.NewFromInt(100)) {
		t.Errorf("measures round trip: %+v", measures)
	}

	if _, err := os.Stat(filepath.Join(dir, "balances.json")); err != nil {
		t.Errorf("balances.json missing: %v", err)
	}
}
