package sagaflow

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/storage"
)

// Cleaner prunes outbox rows that were dispatched longer than the retention
// ago. PENDING and FAILED rows are never touched. Dispatched rows are the
// audit trail of the sagas, so pruning is an operator choice: a zero
// retention disables the cleaner and every row is kept.
type Cleaner struct {
	store     storage.OutboxStore
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   embedded.MetricsCollector
	retention time.Duration
}

// NewCleaner prunes store with the given retention; retention <= 0 yields a
// disabled cleaner.
func NewCleaner(store storage.OutboxStore, retention time.Duration, clock clockwork.Clock, logger *zap.Logger, metrics embedded.MetricsCollector) *Cleaner {
	if retention < 0 {
		retention = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Cleaner{store: store, clock: clock, logger: logger, metrics: metrics, retention: retention}
}

// Enabled reports whether the cleaner deletes anything.
func (c *Cleaner) Enabled() bool { return c.retention > 0 }

// Cleanup is the work function of the cleanup worker. Store failures are
// logged and counted, never returned, so one bad cycle does not stop it.
func (c *Cleaner) Cleanup(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	start := c.clock.Now()
	defer func() {
		c.metrics.RecordDuration("outbox.cleanup.duration", c.clock.Since(start), nil)
	}()

	deleted, err := c.store.DeleteDispatched(ctx, start.Add(-c.retention))
	if err != nil {
		c.logger.Error("Failed to clean up dispatched outbox messages", zap.Error(err))
		c.metrics.IncrementCounter("outbox.cleanup.failed", nil)
		return nil
	}
	if deleted > 0 {
		c.logger.Info("Cleaned up dispatched outbox messages", zap.Int64("count", deleted))
		c.metrics.RecordGauge("outbox.cleanup.deleted", float64(deleted), nil)
	}
	return nil
}

// NewCleanupWorker drives cleaner.Cleanup every interval.
func NewCleanupWorker(cleaner *Cleaner, interval time.Duration, logger *zap.Logger, opts ...WorkerOption) *BaseWorker {
	return NewBaseWorker("outbox-cleanup", interval, logger, cleaner.Cleanup, opts...)
}
