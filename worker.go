package sagaflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
)

// BaseWorker runs a function at a fixed interval until stopped.
type BaseWorker struct {
	name       string
	interval   time.Duration
	runTimeout time.Duration
	logger     *zap.Logger
	workFunc   func(ctx context.Context) error

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

var _ embedded.Worker = (*BaseWorker)(nil)

// NewBaseWorker creates a worker calling workFunc every interval. A
// non-positive interval falls back to the relay default.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewRelayWorker drives relay.ProcessBatch every interval.
func NewRelayWorker(relay embedded.Relay, interval time.Duration, logger *zap.Logger, opts ...WorkerOption) *BaseWorker {
	return NewBaseWorker("outbox-relay", interval, logger, relay.ProcessBatch, opts...)
}

// Start blocks until ctx is done or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping", zap.String("name", w.name))
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping", zap.String("name", w.name))
			return
		case <-ticker.C:
			// Stop may have raced with the tick.
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.run(ctx)
		}
	}
}

func (w *BaseWorker) run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx.Err() != nil {
		return
	}

	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop waits for an in-flight run to finish. It is safe to call more than once.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}
