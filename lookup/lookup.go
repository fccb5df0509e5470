// Package lookup wraps synchronous reads in a circuit breaker. Callers get a
// Result that says whether the value is fresh, stale or missing instead of
// an error to recover from.
package lookup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
)

type Status int

const (
	// Available means the value was read just now.
	Available Status = iota
	// Degraded means the read failed and Value is the last good copy.
	Degraded
	// Unavailable means there is no value to return.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// Result is the outcome of a guarded read. Err is set for Degraded and
// Unavailable results.
type Result[T any] struct {
	Value     T
	Status    Status
	Err       error
	FetchedAt time.Time
}

func (r Result[T]) OK() bool { return r.Status != Unavailable }

type Fetch[K comparable, T any] func(ctx context.Context, key K) (T, error)

type cached[T any] struct {
	value     T
	fetchedAt time.Time
}

// Guarded serves reads of T by key through a breaker and keeps the last good
// value of every key for degraded answers.
type Guarded[K comparable, T any] struct {
	fetch    Fetch[K, T]
	breaker  *gobreaker.CircuitBreaker
	clock    clockwork.Clock
	maxStale time.Duration
	absent   []error
	logger   *zap.Logger
	metrics  embedded.MetricsCollector

	mu       sync.RWMutex
	lastGood map[K]cached[T]
}

type Option func(*options)

type options struct {
	settings sagaflow.BreakerSettings
	clock    clockwork.Clock
	maxStale time.Duration
	absent   []error
	logger   *zap.Logger
	metrics  embedded.MetricsCollector
}

func WithBreakerSettings(settings sagaflow.BreakerSettings) Option {
	return func(o *options) {
		o.settings = settings
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMaxStale bounds the age of a last good value served as Degraded.
func WithMaxStale(d time.Duration) Option {
	return func(o *options) {
		o.maxStale = d
	}
}

// WithAbsent lists errors that mean "no such key". They are answered as
// Unavailable without counting against the breaker.
func WithAbsent(errs ...error) Option {
	return func(o *options) {
		o.absent = append(o.absent, errs...)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// NewGuarded wraps fetch with a circuit breaker named name.
func NewGuarded[K comparable, T any](name string, fetch Fetch[K, T], opts ...Option) *Guarded[K, T] {
	o := options{
		settings: sagaflow.DefaultBreakerSettings(name),
		clock:    clockwork.NewRealClock(),
		maxStale: 5 * time.Minute,
		logger:   zap.NewNop(),
		metrics:  sagaflow.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guarded[K, T]{
		fetch:    fetch,
		clock:    o.clock,
		maxStale: o.maxStale,
		absent:   o.absent,
		logger:   o.logger.With(zap.String("lookup", name)),
		metrics:  o.metrics,
		lastGood: make(map[K]cached[T]),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        o.settings.Name,
		MaxRequests: o.settings.MaxRequests,
		Interval:    o.settings.Interval,
		Timeout:     o.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || g.isAbsent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Lookup circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.IncrementCounter("lookup.circuit_state", map[string]string{"lookup": name, "state": to.String()})
		},
	})
	return g
}

// Get reads key. A failed read falls back to the last good value if it is
// recent enough; an absent key is never served from the cache.
func (g *Guarded[K, T]) Get(ctx context.Context, key K) Result[T] {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := g.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	now := g.clock.Now()
	tags := map[string]string{"lookup": g.breaker.Name()}

	if err == nil {
		value, _ := out.(T)
		g.mu.Lock()
		g.lastGood[key] = cached[T]{value: value, fetchedAt: now}
		g.mu.Unlock()
		g.metrics.IncrementCounter("lookup.available", tags)
		return Result[T]{Value: value, Status: Available, FetchedAt: now}
	}

	if g.isAbsent(err) {
		g.mu.Lock()
		delete(g.lastGood, key)
		g.mu.Unlock()
		return Result[T]{Status: Unavailable, Err: err}
	}

	g.mu.RLock()
	last, ok := g.lastGood[key]
	g.mu.RUnlock()
	if ok && now.Sub(last.fetchedAt) <= g.maxStale {
		g.logger.Warn("Serving stale lookup result", zap.Error(err), zap.Duration("age", now.Sub(last.fetchedAt)))
		g.metrics.IncrementCounter("lookup.degraded", tags)
		return Result[T]{Value: last.value, Status: Degraded, Err: err, FetchedAt: last.fetchedAt}
	}

	g.logger.Error("Lookup unavailable", zap.Error(err))
	g.metrics.IncrementCounter("lookup.unavailable", tags)
	return Result[T]{Status: Unavailable, Err: err}
}

// State exposes the circuit state for health reporting.
func (g *Guarded[K, T]) State() string {
	return g.breaker.State().String()
}

func (g *Guarded[K, T]) isAbsent(err error) bool {
	for _, target := range g.absent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
