package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vlad-ds/bilancio/internal/engine"
)

// Publisher streams run events to NATS JetStream for live dashboards and
// downstream consumers. Subjects follow bilancio.runs.{run_id}.{kind}; a
// failed publish is logged and skipped, since the file/Postgres exports
// remain the durable record.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, logger zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: logger}
}

// PublishReport publishes every event record of a finished run in sequence
// order.
func (p *Publisher) PublishReport(ctx context.Context, rep *engine.Report) error {
	runID := rep.RunID.String()
	for _, r := range rep.Events {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("nats: marshal event %d: %w", r.Seq, err)
		}
		subject := fmt.Sprintf("bilancio.runs.%s.%s", runID, r.Kind)
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			p.log.Warn().Int64("seq", r.Seq).Err(err).Msg("event publish failed")
		}
	}
	return nil
}

// EnsureStream creates or updates the run-events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "BILANCIO_RUNS",
		Subjects:  []string{"bilancio.runs.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("nats: create run stream: %w", err)
	}
	return nil
}
