package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the simulator. Metrics are
// registered on a caller-supplied registry so that independent runs (and
// tests) never collide on registration.
type Metrics struct {
	// Run loop
	DaysSimulated prometheus.Counter
	RunsCompleted *prometheus.CounterVec
	RunDuration   prometheus.Histogram

	// Settlement
	SettlementsTotal *prometheus.CounterVec
	DefaultsTotal    prometheus.Counter
	WriteOffsTotal   prometheus.Counter

	// Dealer market
	TradesTotal     *prometheus.CounterVec
	RebucketsTotal  prometheus.Counter
	OutsideTopUps   prometheus.Counter
	OvernightIssued prometheus.Counter

	// Export
	EventsExported prometheus.Counter
	ExportErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers the simulator's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DaysSimulated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_days_simulated_total",
			Help: "Simulated days completed",
		}),

		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bilancio_runs_completed_total",
			Help: "Runs completed, by stop reason",
		}, []string{"stopped"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bilancio_run_duration_seconds",
			Help:    "Wall-clock duration of one run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}),

		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bilancio_settlements_total",
			Help: "Settlement attempts, by result",
		}, []string{"result"}),

		DefaultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_defaults_total",
			Help: "Agent defaults",
		}),

		WriteOffsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_write_offs_total",
			Help: "Obligations written off after default",
		}),

		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bilancio_trades_total",
			Help: "Secondary-market trades, by venue",
		}, []string{"venue"}),

		RebucketsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_rebuckets_total",
			Help: "Tickets moved across bucket boundaries",
		}),

		OutsideTopUps: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_outside_topups_total",
			Help: "Outside-provider backstop liquidity draws",
		}),

		OvernightIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_overnight_payables_total",
			Help: "Overnight payables issued at interbank netting",
		}),

		EventsExported: factory.NewCounter(prometheus.CounterOpts{
			Name: "bilancio_events_exported_total",
			Help: "Event records exported",
		}),

		ExportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bilancio_export_errors_total",
			Help: "Export failures, by sink",
		}, []string{"sink"}),
	}
}
