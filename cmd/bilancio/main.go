package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vlad-ds/bilancio/internal/engine"
	"github.com/vlad-ds/bilancio/internal/export"
	"github.com/vlad-ds/bilancio/internal/observability"
	"github.com/vlad-ds/bilancio/internal/scenario"
)

// Config holds process-level configuration, loaded from environment
// variables. The scenario file itself carries all simulation semantics;
// the environment only selects output sinks and diagnostics.
type Config struct {
	OutDir      string        `env:"BILANCIO_OUT_DIR" envDefault:"out"`
	PostgresDSN string        `env:"BILANCIO_POSTGRES_DSN"`
	NATSURL     string        `env:"BILANCIO_NATS_URL"`
	MetricsAddr string        `env:"BILANCIO_METRICS_ADDR"`
	RunTimeout  time.Duration `env:"BILANCIO_RUN_TIMEOUT" envDefault:"0"`
}

func main() {
	logger := observability.NewLogger("bilancio")

	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	command, path := os.Args[1], os.Args[2]

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad environment configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "validate":
		os.Exit(runValidate(path, logger))
	case "run":
		os.Exit(runScenario(ctx, cfg, path, logger))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bilancio validate <scenario.yaml>")
	fmt.Fprintln(os.Stderr, "       bilancio run <scenario.yaml>")
}

// runValidate applies setup, runs the invariant walk, and reports
// pass/fail via the exit status.
func runValidate(path string, logger zerolog.Logger) int {
	f, err := scenario.Load(path)
	if err != nil {
		logger.Error().Err(err).Msg("scenario load failed")
		return 1
	}
	built, err := scenario.Build(f, logger)
	if err != nil {
		logger.Error().Err(err).Msg("scenario validation failed")
		return 1
	}
	if err := built.Book.CheckInvariants(); err != nil {
		logger.Error().Err(err).Msg("invariant check failed")
		return 1
	}
	logger.Info().Str("scenario", f.Name).Int("agents", len(f.Agents)).Msg("scenario valid")
	return 0
}

func runScenario(ctx context.Context, cfg Config, path string, logger zerolog.Logger) int {
	f, err := scenario.Load(path)
	if err != nil {
		logger.Error().Err(err).Msg("scenario load failed")
		return 1
	}
	built, err := scenario.Build(f, logger)
	if err != nil {
		logger.Error().Err(err).Msg("scenario build failed")
		return 1
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, logger)
	}

	eng, err := engine.New(built.Book, built.Config, built.Schedule, built.Market, logger, metrics)
	if err != nil {
		logger.Error().Err(err).Msg("engine setup failed")
		return 1
	}

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	rep, runErr := eng.Run(ctx)
	if rep != nil {
		if err := exportReport(ctx, cfg, rep, logger, metrics); err != nil {
			logger.Error().Err(err).Msg("export failed")
			return 1
		}
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("run terminated fatally")
		return 1
	}
	logger.Info().Str("scenario", f.Name).Int("days", rep.Days).Str("stopped", rep.Stopped).Msg("run complete")
	return 0
}

func exportReport(ctx context.Context, cfg Config, rep *engine.Report, logger zerolog.Logger, metrics *observability.Metrics) error {
	files := export.NewFileExporter(cfg.OutDir)
	if err := files.WriteReport(rep); err != nil {
		metrics.ExportErrors.WithLabelValues("files").Inc()
		return err
	}
	metrics.EventsExported.Add(float64(len(rep.Events)))

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		sink := export.NewPostgresSink(db, 500)
		if err := sink.EnsureSchema(ctx); err != nil {
			metrics.ExportErrors.WithLabelValues("postgres").Inc()
			return err
		}
		if err := sink.WriteReport(ctx, rep); err != nil {
			metrics.ExportErrors.WithLabelValues("postgres").Inc()
			return err
		}
		logger.Info().Str("run_id", rep.RunID.String()).Msg("run persisted to postgres")
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := export.EnsureStream(ctx, js); err != nil {
			metrics.ExportErrors.WithLabelValues("nats").Inc()
			return err
		}
		pub := export.NewPublisher(js, logger)
		if err := pub.PublishReport(ctx, rep); err != nil {
			metrics.ExportErrors.WithLabelValues("nats").Inc()
			return err
		}
		logger.Info().Str("run_id", rep.RunID.String()).Msg("run published to nats")
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	health := observability.NewHealthChecker()
	health.SetReady(true)
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics listener stopped")
	}
}
