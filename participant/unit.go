// Package participant hosts the saga participants. Each inbound event is
// processed as one unit of work: lock the aggregate row, check the
// idempotency mark, apply the transition, store the aggregate, capture the
// emitted events and mark the event processed, all in one transaction.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/idempotency"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/storage"
)

const defaultSweepLimit = 500

// ErrDuplicate marks an event whose effect is already committed.
var ErrDuplicate = router.ErrDuplicate

// idNamespace seeds the deterministic ids of aggregates created by events,
// so that a redelivery races into the primary key instead of a second row.
var idNamespace = uuid.MustParse("6f0c4c1e-5a53-4d4b-9a43-0e6f2f8f3a10")

func deterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, ":"))).String()
}

// Unit holds what every participant needs to process an event.
type Unit struct {
	trManager  trm.Manager
	store      storage.AggregateStore
	recorder   *sagaflow.Recorder
	guard      *idempotency.Guard
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    embedded.MetricsCollector
	sweepLimit int
}

type Option func(*Unit)

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(clock clockwork.Clock) Option {
	return func(u *Unit) {
		u.clock = clock
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(u *Unit) {
		u.logger = logger
	}
}

// WithMetrics sets the metrics collector. Default is a no-op collector.
func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(u *Unit) {
		u.metrics = metrics
	}
}

// WithSweepLimit bounds how many aggregates one expiry trigger visits.
func WithSweepLimit(n int) Option {
	return func(u *Unit) {
		if n > 0 {
			u.sweepLimit = n
		}
	}
}

// NewUnit wires a participant's unit of work. The guard's consumer name
// scopes every idempotency mark the unit records.
func NewUnit(trManager trm.Manager, store storage.AggregateStore, recorder *sagaflow.Recorder, guard *idempotency.Guard, opts ...Option) *Unit {
	u := &Unit{
		trManager:  trManager,
		store:      store,
		recorder:   recorder,
		guard:      guard,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		metrics:    sagaflow.NewNopMetricsCollector(),
		sweepLimit: defaultSweepLimit,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(zap.String("consumer", guard.Consumer()))
	return u
}

func (u *Unit) now() time.Time {
	return u.clock.Now().UTC()
}

// Process runs one event as a unit of work under the idempotency key.
// lock, if set, takes the row locks before the key is checked, so a racing
// redelivery sees the committed mark. An already processed key yields
// ErrDuplicate, as does losing the insert of the mark to a concurrent
// redelivery; the transaction then rolls back and the effect is discarded.
func (u *Unit) Process(ctx context.Context, key string, kind events.Kind, lock, apply func(ctx context.Context) error) error {
	start := u.clock.Now()
	tags := map[string]string{"consumer": u.guard.Consumer(), "kind": string(kind)}

	err := u.trManager.Do(ctx, func(ctx context.Context) error {
		if lock != nil {
			if err := lock(ctx); err != nil {
				return err
			}
		}
		seen, err := u.guard.Exists(ctx, key)
		if err != nil {
			return sagaflow.Transient("idempotency check", err)
		}
		if seen {
			return ErrDuplicate
		}
		if err := apply(ctx); err != nil {
			return err
		}
		claimed, err := u.guard.Claim(ctx, key, string(kind))
		if err != nil {
			return err
		}
		if !claimed {
			return ErrDuplicate
		}
		return nil
	})

	switch {
	case err == nil:
		u.guard.Remember(ctx, key)
		u.metrics.IncrementCounter("participant.processed", tags)
	case errors.Is(err, ErrDuplicate):
		u.logger.Debug("Skipping duplicate event", zap.String("correlation_id", key), zap.String("event_type", string(kind)))
		u.metrics.IncrementCounter("participant.duplicate", tags)
	default:
		u.metrics.IncrementCounter("participant.failed", tags)
	}
	u.metrics.RecordDuration("participant.process.duration", u.clock.Since(start), tags)
	return err
}

// Command runs an operator or API command in one transaction. Commands are
// not deduplicated.
func (u *Unit) Command(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.trManager.Do(ctx, fn)
}

func (u *Unit) emit(ctx context.Context, aggregateType, aggregateID, causationID string, payloads ...events.Payload) error {
	for _, p := range payloads {
		var opts []sagaflow.CaptureOption
		if causationID != "" {
			opts = append(opts, sagaflow.WithCausationID(causationID))
		}
		if err := u.recorder.Emit(ctx, aggregateType, aggregateID, p, opts...); err != nil {
			return fmt.Errorf("failed to capture %s: %w", p.Kind(), err)
		}
	}
	return nil
}

// storeErr classifies a failed aggregate write. A lost version race is
// retried; a lost insert race means the event already created the row.
func storeErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		return sagaflow.Transient("store aggregate", err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	default:
		return err
	}
}
