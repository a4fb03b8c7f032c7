package persistence

import (
	"CollateralVault/internal/event"
	"CollateralVault/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outbox is the relay's view of a store.
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]event.Envelope, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Publisher delivers one envelope downstream.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// OutboxRelay drains committed notifications to the publisher in commit
// order. It runs independently from the engine: a slow or failing
// publisher delays notifications but never blocks operations.
//
// Delivery is at-least-once; a crash between publish and MarkPublished
// republishes the batch, and consumers dedupe on the envelope id.
type OutboxRelay struct {
	outbox       Outbox
	publisher    Publisher
	batchSize    int
	pollInterval time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewOutboxRelay(
	outbox Outbox,
	publisher Publisher,
	batchSize int,
	pollInterval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		outbox:       outbox,
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run polls until ctx is cancelled. A full batch triggers an immediate
// re-poll instead of waiting for the next tick.
func (r *OutboxRelay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox relay pass failed")
		}

		next := r.pollInterval
		if n >= r.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RelayOnce publishes one batch and returns how many envelopes it relayed.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	start := time.Now()

	pending, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.countError("fetch")
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.OutboxPending.Set(float64(len(pending)))
	}
	if len(pending) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(pending))
	for _, env := range pending {
		if err := r.publishWithRetry(ctx, env); err != nil {
			// Keep what already went out.
			if markErr := r.mark(published); markErr != nil {
				r.logger.Error().Err(markErr).
					Int("published", len(published)).
					Msg("published envelopes not marked, they will be sent again")
				err = errors.Join(err, markErr)
			}
			return len(published), err
		}
		published = append(published, env.ID)
	}

	if err := r.mark(published); err != nil {
		return len(published), err
	}

	if r.metrics != nil {
		r.metrics.OutboxBatchDur.Observe(time.Since(start).Seconds())
		r.metrics.OutboxPublished.Add(float64(len(published)))
	}
	return len(published), nil
}

func (r *OutboxRelay) mark(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	// Use a fresh context so a shutdown does not strand already-published rows.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.outbox.MarkPublished(ctx, ids); err != nil {
		r.countError("mark")
		return fmt.Errorf("mark %d published: %w", len(ids), err)
	}
	return nil
}

// publishWithRetry retries with exponential backoff until the publish
// succeeds or ctx is cancelled. Envelopes are never skipped, so per-vault
// order is preserved downstream.
func (r *OutboxRelay) publishWithRetry(ctx context.Context, env event.Envelope) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("event_id", env.ID.String()).
				Msg("outbox publish retry")
			if r.metrics != nil {
				r.metrics.OutboxRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}

		err := r.publisher.Publish(ctx, env)
		if err == nil {
			if attempt > 0 {
				r.logger.Info().Int("retries", attempt).Str("event_id", env.ID.String()).Msg("outbox publish recovered")
			}
			return nil
		}
		r.countError("publish")
	}
}

func (r *OutboxRelay) countError(kind string) {
	if r.metrics != nil {
		r.metrics.OutboxErrors.WithLabelValues(kind).Inc()
	}
}
