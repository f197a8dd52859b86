package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/vlad-ds/bilancio/internal/engine"
	"github.com/vlad-ds/bilancio/internal/event"
)

// PostgresSink persists run outcomes to Postgres using multi-row INSERTs,
// batched to stay under the driver's parameter limit. Intended for
// parameter sweeps where many independent runs land in one queryable
// store.
type PostgresSink struct {
	db        *sql.DB
	batchSize int
}

// eventCols is the column count of sim.events, which bounds rows per batch.
const eventCols = 12

func NewPostgresSink(db *sql.DB, batchSize int) *PostgresSink {
	if batchSize < 1 {
		batchSize = 500
	}
	return &PostgresSink{db: db, batchSize: batchSize}
}

// EnsureSchema creates the export tables when absent.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE SCHEMA IF NOT EXISTS sim;

	CREATE TABLE IF NOT EXISTS sim.runs (
		run_id  UUID PRIMARY KEY,
		days    INT NOT NULL,
		stopped TEXT NOT NULL,
		digest  TEXT NOT NULL DEFAULT '',
		created TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sim.events (
		run_id       UUID NOT NULL REFERENCES sim.runs (run_id),
		seq          BIGINT NOT NULL,
		day          INT NOT NULL,
		phase        TEXT NOT NULL,
		kind         TEXT NOT NULL,
		agent        TEXT,
		counterparty TEXT,
		instrument   BIGINT,
		amount       NUMERIC,
		bucket       INT,
		result       TEXT,
		note         TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS sim.measures (
		run_id          UUID NOT NULL REFERENCES sim.runs (run_id),
		day             INT NOT NULL,
		total_dues      NUMERIC NOT NULL,
		gross_settled   NUMERIC NOT NULL,
		money_stock     NUMERIC NOT NULL,
		liquidity_gap   NUMERIC NOT NULL,
		on_time_ratio   NUMERIC NOT NULL,
		default_ratio   NUMERIC NOT NULL,
		concentration   NUMERIC NOT NULL,
		PRIMARY KEY (run_id, day)
	);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// WriteReport stores one run: header row, event batch, per-day measures.
func (s *PostgresSink) WriteReport(ctx context.Context, rep *engine.Report) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sim.runs (run_id, days, stopped, digest) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO NOTHING`,
		rep.RunID, rep.Days, rep.Stopped, rep.Digest,
	); err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}

	for start := 0; start < len(rep.Events); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rep.Events) {
			end = len(rep.Events)
		}
		if err := s.writeEventBatch(ctx, rep.RunID.String(), rep.Events[start:end]); err != nil {
			return err
		}
	}

	for _, m := range rep.Measures {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO sim.measures
			 (run_id, day, total_dues, gross_settled, money_stock, liquidity_gap,
			  on_time_ratio, default_ratio, concentration)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (run_id, day) DO NOTHING`,
			rep.RunID, m.Day, m.TotalDues.String(), m.GrossSettled.String(),
			m.MoneyStock.String(), m.LiquidityGap.String(),
			m.OnTimeRatio.String(), m.DefaultRatio.String(),
			m.CreditorConcentration.String(),
		); err != nil {
			return fmt.Errorf("postgres: insert measures day %d: %w", m.Day, err)
		}
	}
	return nil
}

func (s *PostgresSink) writeEventBatch(ctx context.Context, runID string, events []event.Record) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventCols)

	for i, r := range events {
		base := i * eventCols
		ph := make([]string, eventCols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			runID, r.Seq, r.Day, r.Phase, r.Kind,
			string(r.Agent), string(r.Counterparty), int64(r.Instrument),
			r.Amount.String(), r.Bucket, r.Result, r.Note,
		)
	}

	query := `INSERT INTO sim.events
		(run_id, seq, day, phase, kind, agent, counterparty, instrument, amount, bucket, result, note)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (run_id, seq) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert events: %w", err)
	}
	return nil
}
