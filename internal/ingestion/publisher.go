package ingestion

import (
	"CollateralVault/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher publishes outbox envelopes to the VAULT_EVENTS stream on
// vault.events.<type>.<owner>. The envelope id is the JetStream message id,
// so relay retries inside the duplicate window are dropped server side.
type EventPublisher struct {
	js streamPublisher
}

func NewEventPublisher(js streamPublisher) *EventPublisher {
	return &EventPublisher{js: js}
}

// wireEnvelope adds the hash chain to the published JSON.
type wireEnvelope struct {
	event.Envelope
	PrevHash  string `json:"prev_hash"`
	StateHash string `json:"state_hash"`
}

// EncodeEnvelope renders env as published on NATS.
func EncodeEnvelope(env event.Envelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Envelope:  env,
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		StateHash: hex.EncodeToString(env.StateHash[:]),
	})
}

func (p *EventPublisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	if _, err := p.js.Publish(ctx, env.Subject(), data, jetstream.WithMsgID(env.ID.String())); err != nil {
		return fmt.Errorf("publish %s: %w", env.Subject(), err)
	}
	return nil
}
