package sagaflow

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/storage"
)

// Requeuer is the operator side of FAILED outbox messages: list them, and
// hand them back to the relay once the cause has been fixed.
type Requeuer struct {
	store   storage.OutboxStore
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics embedded.MetricsCollector
}

func NewRequeuer(store storage.OutboxStore, clock clockwork.Clock, logger *zap.Logger, metrics embedded.MetricsCollector) *Requeuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Requeuer{store: store, clock: clock, logger: logger, metrics: metrics}
}

func (q *Requeuer) ListFailed(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	records, err := q.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed outbox messages: %w", err)
	}
	q.metrics.RecordGauge("outbox.failed_listed", float64(len(records)), nil)
	return records, nil
}

// Requeue resets a FAILED message to PENDING with a fresh attempt budget.
// The last error is kept for the audit trail.
func (q *Requeuer) Requeue(ctx context.Context, id int64) error {
	if err := q.store.Requeue(ctx, id, q.clock.Now()); err != nil {
		return fmt.Errorf("failed to requeue outbox message %d: %w", id, err)
	}
	q.metrics.IncrementCounter("outbox.requeued", nil)
	q.logger.Info("Outbox message requeued", zap.Int64("id", id))
	return nil
}
