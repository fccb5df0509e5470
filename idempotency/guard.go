// Package idempotency makes event redelivery harmless: a consumer records the
// correlation id of every event whose effect it committed, in the same
// transaction as the effect.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/storage"
)

// Cache is a fast, lossy front for the processed-event table. A miss
// proves nothing; the table stays the arbiter.
type Cache interface {
	Seen(ctx context.Context, consumer, correlationID string) (bool, error)
	Remember(ctx context.Context, consumer, correlationID string) error
}

// Guard checks and records processed events for one consumer.
type Guard struct {
	store    storage.IdempotencyStore
	consumer string
	cache    Cache
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  embedded.MetricsCollector
}

type Option func(*Guard)

// WithCache puts cache in front of the processed-event table.
func WithCache(cache Cache) Option {
	return func(g *Guard) {
		g.cache = cache
	}
}

// WithClock sets the clock stamping processed_at.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Guard) {
		g.clock = clock
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics collector. Default is a no-op collector.
func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(g *Guard) {
		g.metrics = metrics
	}
}

// NewGuard binds the guard to consumer; marks are unique per
// (correlation id, consumer).
func NewGuard(store storage.IdempotencyStore, consumer string, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		consumer: consumer,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		metrics:  sagaflow.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("consumer", consumer))
	return g
}

// Consumer is the name marks are recorded under.
func (g *Guard) Consumer() string { return g.consumer }

// Exists reports whether correlationID was already processed by this
// consumer. Cache failures are logged and the table is consulted.
func (g *Guard) Exists(ctx context.Context, correlationID string) (bool, error) {
	if g.cache != nil {
		seen, err := g.cache.Seen(ctx, g.consumer, correlationID)
		switch {
		case err != nil:
			g.logger.Warn("Idempotency cache lookup failed", zap.String("correlation_id", correlationID), zap.Error(err))
		case seen:
			g.metrics.IncrementCounter("idempotency.cache_hit", map[string]string{"consumer": g.consumer})
			return true, nil
		}
	}

	ok, err := g.store.Exists(ctx, correlationID, g.consumer)
	if err != nil {
		return false, fmt.Errorf("failed to check correlation id %s: %w", correlationID, err)
	}
	return ok, nil
}

// MarkProcessed records correlationID inside the transaction carried by ctx.
// An existing mark is not an error: the duplicate is logged and ignored.
func (g *Guard) MarkProcessed(ctx context.Context, correlationID, eventType string) error {
	_, err := g.Claim(ctx, correlationID, eventType)
	return err
}

// Claim is MarkProcessed reporting whether this call inserted the mark.
// false means another unit of work already holds correlationID, and an
// effect written in the same transaction must be rolled back.
func (g *Guard) Claim(ctx context.Context, correlationID, eventType string) (bool, error) {
	if !sagaflow.InTransaction(ctx) {
		return false, sagaflow.ErrNoTransaction
	}

	err := g.store.Insert(ctx, storage.ProcessedEvent{
		CorrelationID: correlationID,
		ConsumerName:  g.consumer,
		EventType:     eventType,
		ProcessedAt:   g.clock.Now().UTC(),
	})
	if errors.Is(err, storage.ErrAlreadyProcessed) {
		g.logger.Warn("Event already marked as processed",
			zap.String("correlation_id", correlationID),
			zap.String("event_type", eventType),
		)
		g.metrics.IncrementCounter("idempotency.duplicate_mark", map[string]string{"consumer": g.consumer})
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", correlationID, err)
	}
	return true, nil
}

// Remember feeds the cache once the transaction that marked correlationID
// committed. It never fails the caller.
func (g *Guard) Remember(ctx context.Context, correlationID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Remember(ctx, g.consumer, correlationID); err != nil {
		g.logger.Warn("Failed to cache processed event", zap.String("correlation_id", correlationID), zap.Error(err))
	}
}
