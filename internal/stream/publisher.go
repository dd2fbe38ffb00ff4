package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SynthLedger/internal/event"
)

const (
	// OutboundStream holds every applied operation record for downstream
	// consumers (indexers, risk monitors, notification services).
	OutboundStream = "SYNTH_ENGINE_EVENTS"

	outboundSubjectPrefix = "synth.engine.events"
)

// Publisher drains applied operation records and publishes them to
// JetStream, one subject per operation kind. Publishing is best effort:
// the operation log in Postgres is the source of truth, so a failed
// publish is logged and skipped rather than retried.
type Publisher struct {
	js      jetstream.JetStream
	records <-chan event.Record
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, records <-chan event.Record, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		records: records,
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// Run consumes records until the channel closes or ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("publisher stopped")
			return
		case rec, ok := <-p.records:
			if !ok {
				p.log.Info().Msg("record channel closed, publisher stopped")
				return
			}
			p.publish(ctx, rec)
		}
	}
}

// outboundRecord is the wire form of an applied operation.
type outboundRecord struct {
	Sequence    int64       `json:"sequence"`
	Kind        string      `json:"kind"`
	OperationID string      `json:"operation_id"`
	Account     string      `json:"account"`
	Timestamp   time.Time   `json:"timestamp"`
	StateHash   []byte      `json:"state_hash"`
	PrevHash    []byte      `json:"prev_hash"`
	Payload     interface{} `json:"payload"`
}

func (p *Publisher) publish(ctx context.Context, rec event.Record) {
	out := outboundRecord{
		Sequence:    rec.Sequence,
		Kind:        rec.Kind.String(),
		OperationID: rec.OperationID.String(),
		Account:     rec.Account,
		Timestamp:   rec.Timestamp,
		StateHash:   rec.StateHash[:],
		PrevHash:    rec.PrevHash[:],
		Payload:     rec.Payload,
	}

	data, err := json.Marshal(out)
	if err != nil {
		p.log.Error().Err(err).Int64("sequence", rec.Sequence).Msg("marshal outbound record")
		return
	}

	subject := fmt.Sprintf("%s.%s", outboundSubjectPrefix, rec.Kind)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().
			Err(err).
			Str("subject", subject).
			Int64("sequence", rec.Sequence).
			Msg("publish failed, record available in operation log")
	}
}

// EnsureOutboundStream creates the outbound stream if it does not exist.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{outboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", OutboundStream, err)
	}
	return nil
}
