// Package engine implements the per-day phase state machine that drives a
// simulation run: scheduled actions, the dealer trading window, maturity
// settlement with means-of-payment ranking, interbank netting, default
// handling, and the quiet-day stopping rule.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vlad-ds/bilancio/internal/dealer"
	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
	"github.com/vlad-ds/bilancio/internal/measure"
	"github.com/vlad-ds/bilancio/internal/observability"
)

// State is the mutable per-run simulation state: day counter, quiet-day
// counter, and the append-only event log. It is created at run start,
// mutated only by the engine, and exported at run end, never shared as a
// process singleton.
type State struct {
	Day       int
	QuietDays int
	Log       *event.Log
}

// Report is the exportable outcome of one run.
type Report struct {
	RunID    uuid.UUID
	Days     int
	Stopped  string // "quiet", "max-days", or "fatal"
	Digest   string // chained hash of the event log, for determinism checks
	Events   []event.Record
	Balances []ledger.AgentBalance
	Measures []measure.DayMeasures
}

// Engine executes one simulation run over one Book. It is single-threaded:
// each day's phases run strictly sequentially, and within a phase, units of
// work are processed one at a time in a fixed deterministic order.
type Engine struct {
	book     *ledger.Book
	cfg      Config
	schedule Schedule
	market   *dealer.Market // nil when the dealer market is disabled
	st       *State
	flows    *flowLedger
	log      zerolog.Logger
	metrics  *observability.Metrics // optional
}

// New builds an engine. market may be nil (dealer trading phase skipped);
// metrics may be nil.
func New(book *ledger.Book, cfg Config, schedule Schedule, market *dealer.Market, logger zerolog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		book:     book,
		cfg:      cfg,
		schedule: schedule,
		market:   market,
		st:       &State{Log: event.NewLog()},
		flows:    newFlowLedger(),
		log:      logger,
		metrics:  metrics,
	}, nil
}

// State exposes the run state (read-only use expected).
func (e *Engine) State() *State { return e.st }

// Run executes the full day loop to termination. Stop conditions (max
// days, quiet threshold, fatal invariant violation or fail-fast default)
// are checked only at day-phase boundaries, never mid-phase. The context is
// likewise consulted only between days.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	runID := uuid.New()
	rep := &Report{RunID: runID}
	start := time.Now()
	if e.metrics != nil {
		defer func() {
			e.metrics.RunDuration.Observe(time.Since(start).Seconds())
		}()
	}

	e.log.Info().
		Str("run_id", runID.String()).
		Str("defaults", e.cfg.Defaults.String()).
		Int("max_days", e.cfg.MaxDays).
		Bool("dealer_market", e.market != nil).
		Msg("run starting")

	for {
		if err := ctx.Err(); err != nil {
			return e.finish(rep, "fatal"), err
		}
		stop, err := e.runDay()
		if err != nil {
			rep = e.finish(rep, "fatal")
			return rep, err
		}
		if stop != "" {
			return e.finish(rep, stop), nil
		}
	}
}

// runDay advances one day through all phases. Returns the stop reason when
// a stopping rule fires, or "" to continue.
func (e *Engine) runDay() (string, error) {
	e.st.Day++
	day := e.st.Day

	if e.cfg.Check == ledger.CheckEveryDay {
		if err := e.book.CheckInvariants(); err != nil {
			return "", fmt.Errorf("pre-day %d: %w", day, err)
		}
	}

	// Phase 1: day marker. No mutation.
	e.st.Log.Append(day, event.PhaseDayStart, event.KindDayStart, event.Record{
		MoneyStock: e.book.MoneyStock(),
	})

	// Phase 2: scheduled actions.
	if err := e.scheduledPhase(); err != nil {
		return "", err
	}

	// Phase 3: dealer trading, ahead of the dues deadline.
	if e.market != nil {
		before := e.st.Log.Len()
		if err := e.market.Round(day, e.st.Log); err != nil {
			return "", fmt.Errorf("dealer trading on day %d: %w", day, err)
		}
		e.countTrading(e.st.Log.Records()[before:])
	}

	// Phase 4: maturity settlement.
	if err := e.maturityPhase(); err != nil {
		return "", err
	}

	// Phase 5: interbank netting.
	if err := e.nettingPhase(); err != nil {
		return "", err
	}

	if e.cfg.Check == ledger.CheckEveryDay {
		if err := e.book.CheckInvariants(); err != nil {
			return "", fmt.Errorf("post-day %d: %w", day, err)
		}
	}

	// Phase 6: quiet check.
	quiet := true
	for _, r := range e.st.Log.DayRecords(day) {
		if r.Activity() {
			quiet = false
			break
		}
	}
	if quiet {
		e.st.QuietDays++
		e.st.Log.Append(day, event.PhaseQuietCheck, event.KindQuietDay, event.Record{})
	} else {
		e.st.QuietDays = 0
	}

	if e.metrics != nil {
		e.metrics.DaysSimulated.Inc()
	}
	e.log.Debug().Int("day", day).Bool("quiet", quiet).Int("events", len(e.st.Log.DayRecords(day))).Msg("day complete")

	switch e.cfg.Stop {
	case StopFixedDays:
		if day >= e.cfg.MaxDays {
			return "max-days", nil
		}
	case StopUntilQuiet:
		if e.st.QuietDays >= e.cfg.QuietThreshold {
			return "quiet", nil
		}
		if day >= e.cfg.MaxDays {
			return "max-days", nil
		}
	}
	return "", nil
}

// countTrading feeds the trading phase's records into the counters. The
// market stays metrics-free; the engine owns instrumentation.
func (e *Engine) countTrading(records []event.Record) {
	if e.metrics == nil {
		return
	}
	for _, r := range records {
		switch r.KindTag() {
		case event.KindTradeExecuted:
			e.metrics.TradesTotal.WithLabelValues(r.Venue).Inc()
		case event.KindRebucketSale:
			e.metrics.RebucketsTotal.Inc()
		case event.KindMint:
			e.metrics.OutsideTopUps.Inc()
		}
	}
}

// finish stamps the run-ended record and assembles the report, including
// the per-day settlement-quality measures replayed from the event log.
func (e *Engine) finish(rep *Report, stopped string) *Report {
	e.st.Log.Append(e.st.Day, event.PhaseQuietCheck, event.KindRunEnded, event.Record{Note: stopped})

	rep.Days = e.st.Day
	rep.Stopped = stopped
	rep.Events = e.st.Log.Records()
	rep.Digest = event.LogDigest(e.st.Log)
	rep.Balances = e.book.Snapshot()
	for day := 1; day <= e.st.Day; day++ {
		rep.Measures = append(rep.Measures, measure.Compute(day, e.st.Log.DayRecords(day)))
	}
	if e.metrics != nil {
		e.metrics.RunsCompleted.WithLabelValues(stopped).Inc()
	}

	e.log.Info().
		Str("run_id", rep.RunID.String()).
		Int("days", rep.Days).
		Str("stopped", stopped).
		Int("events", len(rep.Events)).
		Str("digest", rep.Digest).
		Msg("run finished")
	return rep
}
