package export_test

import (
	"context"
	"testing"

	"github.com/vlad-ds/bilancio/internal/export"
	"github.com/vlad-ds/bilancio/internal/testutil"
)

func TestPostgresSinkRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sink := export.NewPostgresSink(db, 2) // tiny batches to cross the boundary
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	rep := sampleReport(t)
	if err := sink.WriteReport(ctx, rep); err != nil {
		t.Fatalf("write report: %v", err)
	}
	// Replaying the same run must be a no-op, not a duplicate.
	if err := sink.WriteReport(ctx, rep); err != nil {
		t.Fatalf("rewrite report: %v", err)
	}

	var events int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sim.events WHERE run_id = $1`, rep.RunID,
	).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != len(rep.Events) {
		t.Errorf("stored events: got %d, want %d", events, len(rep.Events))
	}

	var digest string
	if err := db.QueryRowContext(ctx,
		`SELECT digest FROM sim.runs WHERE run_id = $1`, rep.RunID,
	).Scan(&digest); err != nil {
		t.Fatalf("read run row: %v", err)
	}
	if digest != rep.Digest {
		t.Errorf("stored digest: got %q, want %q", digest, rep.Digest)
	}

	var days int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sim.measures WHERE run_id = $1`, rep.RunID,
	).Scan(&days); err != nil {
		t.Fatalf("count measures: %v", err)
	}
	if days != len(rep.Measures) {
		t.Errorf("stored measure rows: got %d, want %d", days, len(rep.Measures))
	}
}
