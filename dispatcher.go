package sagaflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
)

// Dispatcher owns the lifecycle of the relay and consumer workers of a
// process.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu          sync.RWMutex
	workers     []embedded.Worker
	stopTimeout time.Duration
	stopOnce    sync.Once
	stopChan    chan struct{}
	started     bool
}

// NewDispatcher creates a dispatcher managing workers.
func NewDispatcher(logger *zap.Logger, workers ...embedded.Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:      logger,
		workers:     workers,
		stopTimeout: 30 * time.Second,
		stopChan:    make(chan struct{}),
	}
}

// Add registers more workers. It has no effect once the dispatcher started.
func (d *Dispatcher) Add(workers ...embedded.Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.logger.Warn("Workers added after start are ignored", zap.Int("count", len(workers)))
		return
	}
	d.workers = append(d.workers, workers...)
}

// SetStopTimeout bounds how long Start waits for workers after a stop.
func (d *Dispatcher) SetStopTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.stopTimeout = timeout
	d.mu.Unlock()
}

// Start runs every worker and blocks until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	workers := append([]embedded.Worker(nil), d.workers...)
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(workers)))

	for _, w := range workers {
		d.wg.Add(1)
		go func(worker embedded.Worker) {
			defer d.wg.Done()
			d.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			d.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopChan:
		d.logger.Info("Stop signal received, stopping dispatcher")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	d.mu.RLock()
	timeout := d.stopTimeout
	d.mu.RUnlock()

	select {
	case <-done:
		d.logger.Info("All workers stopped")
	case <-time.After(timeout):
		d.logger.Error("Workers did not stop in time", zap.Duration("timeout", timeout))
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop signals every worker to finish. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		workers := d.workers
		started := d.started
		d.mu.RUnlock()
		if !started {
			d.logger.Warn("Attempted to stop a dispatcher that was not started")
			return
		}
		d.logger.Info("Stopping dispatcher")
		close(d.stopChan)

		for _, worker := range workers {
			worker.Stop()
		}
	})
}

// IsStarted reports whether Start is running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}
