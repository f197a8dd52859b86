// Command migrate provisions the export infrastructure: the Postgres
// schema for run results and the JetStream stream for live run events.
// Both steps are idempotent.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vlad-ds/bilancio/internal/export"
	"github.com/vlad-ds/bilancio/internal/observability"
)

type config struct {
	PostgresDSN string `env:"BILANCIO_POSTGRES_DSN"`
	NATSURL     string `env:"BILANCIO_NATS_URL"`
}

func main() {
	logger := observability.NewLogger("migrate")

	cfg, err := env.ParseAs[config]()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad environment")
	}
	if cfg.PostgresDSN == "" && cfg.NATSURL == "" {
		fmt.Fprintln(os.Stderr, "usage: migrate")
		fmt.Fprintln(os.Stderr, "  BILANCIO_POSTGRES_DSN  provision the sim schema")
		fmt.Fprintln(os.Stderr, "  BILANCIO_NATS_URL      provision the run-events stream")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open postgres")
		}
		defer db.Close()
		if err := export.NewPostgresSink(db, 0).EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("provision postgres schema")
		}
		logger.Info().Msg("postgres schema ready")
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			logger.Fatal().Err(err).Msg("jetstream context")
		}
		if err := export.EnsureStream(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("provision run stream")
		}
		logger.Info().Msg("run-events stream ready")
	}
}
