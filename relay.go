package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/storage"
)

// Relay publishes pending outbox rows and records the outcome of each send.
//
// A batch is claimed with FOR UPDATE SKIP LOCKED and the row locks are held
// until every message of the batch was published and its status written, so
// two relays never send the same row concurrently. A crash between publish
// and commit leaves the row PENDING and it is sent again.
type Relay struct {
	store     storage.OutboxStore
	trManager trm.Manager
	publisher embedded.Publisher
	alerts    embedded.AlertSink
	backoff   BackoffStrategy
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   embedded.MetricsCollector

	batchSize      int
	maxAttempts    int
	publishTimeout time.Duration
}

var _ embedded.Relay = (*Relay)(nil)

// NewRelay creates a relay publishing rows of store. A nil publisher
// accepts every message without sending it.
func NewRelay(store storage.OutboxStore, trManager trm.Manager, publisher embedded.Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:          store,
		trManager:      trManager,
		publisher:      publisher,
		backoff:        DefaultBackoffStrategy(),
		clock:          clockwork.NewRealClock(),
		logger:         zap.NewNop(),
		metrics:        NewNopMetricsCollector(),
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.publisher == nil {
		r.publisher = NewNopPublisher()
	}
	if r.alerts == nil {
		r.alerts = NewLogAlertSink(r.logger)
	}
	return r
}

type batchResult struct {
	dispatched int
	retried    int
	failed     int
	alerts     []embedded.Alert
}

// ProcessBatch runs one relay cycle.
func (r *Relay) ProcessBatch(ctx context.Context) error {
	start := r.clock.Now()

	var result batchResult
	err := r.trManager.Do(ctx, func(ctx context.Context) error {
		result = batchResult{}

		records, err := r.store.ClaimPending(ctx, r.batchSize, r.clock.Now())
		if err != nil {
			return Transient("claim pending", err)
		}
		if len(records) == 0 {
			return nil
		}

		r.logger.Debug("Claimed outbox messages", zap.Int("count", len(records)))
		r.metrics.RecordGauge("outbox.relay.batch_size", float64(len(records)), nil)

		for _, record := range records {
			if ctx.Err() != nil {
				r.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
				return nil
			}
			if err := r.dispatch(ctx, record, &result); err != nil {
				if errors.Is(err, ErrPublisherUnavailable) {
					r.logger.Warn("Publisher unavailable, ending cycle early",
						zap.Int64("id", record.ID),
						zap.Error(err),
					)
					r.metrics.IncrementCounter("outbox.relay.publisher_unavailable", nil)
					return nil
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to process outbox batch: %w", err)
	}

	// Alerts are raised only once the FAILED status is durable.
	for _, alert := range result.alerts {
		alert.RaisedAt = r.clock.Now().UTC()
		r.alerts.Alert(ctx, alert)
	}

	if total := result.dispatched + result.retried + result.failed; total > 0 {
		r.logger.Info("Outbox batch completed",
			zap.Int("dispatched", result.dispatched),
			zap.Int("retried", result.retried),
			zap.Int("failed", result.failed),
		)
	}
	r.metrics.RecordDuration("outbox.relay.duration", r.clock.Since(start), nil)
	return nil
}

// dispatch publishes one row and writes the outcome. A non-nil error aborts
// the batch.
func (r *Relay) dispatch(ctx context.Context, record storage.OutboxRecord, result *batchResult) error {
	fields := []zap.Field{
		zap.Int64("id", record.ID),
		zap.String("message_id", record.MessageID),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_id", record.AggregateID),
	}
	tags := map[string]string{"event_type": record.EventType}

	msg, err := messageFromRecord(record)
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
		err = r.publisher.Publish(pubCtx, msg)
		cancel()
	}

	if err == nil {
		if err := r.store.MarkDispatched(ctx, record.ID, r.clock.Now()); err != nil {
			r.logger.Error("Failed to mark outbox message dispatched", append(fields, zap.Error(err))...)
			return err
		}
		result.dispatched++
		r.metrics.IncrementCounter("outbox.relay.dispatched", tags)
		r.logger.Debug("Outbox message dispatched", fields...)
		return nil
	}

	if errors.Is(err, ErrPublisherUnavailable) {
		return err
	}

	attempts := record.AttemptCount + 1
	r.metrics.IncrementCounter("outbox.relay.publish_failed", tags)

	if attempts >= r.maxAttempts {
		if err := r.store.MarkFailed(ctx, record.ID, attempts, err.Error()); err != nil {
			return err
		}
		result.failed++
		result.alerts = append(result.alerts, alertFromRecord(record, attempts, err.Error()))
		r.metrics.IncrementCounter("outbox.relay.failed", tags)
		r.logger.Error("Outbox message exhausted its attempts",
			append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
		return nil
	}

	next := r.backoff.NextAttempt(r.clock.Now(), attempts)
	if err := r.store.ScheduleRetry(ctx, record.ID, attempts, next, err.Error()); err != nil {
		return err
	}
	result.retried++
	r.logger.Warn("Scheduling outbox message for retry",
		append(fields, zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(err))...)
	return nil
}
