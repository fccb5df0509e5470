package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/saga"
	"github.com/overtonx/sagaflow/storage"
)

// repo maps one aggregate type onto the aggregate table. The body column
// holds the JSON of A.
type repo[A any] struct {
	unit    *Unit
	typ     string
	machine *saga.Table[A]
	status  func(A) string
	expires func(A) *time.Time
}

func newRepo[A any](unit *Unit, machine *saga.Table[A], expires func(A) *time.Time) repo[A] {
	return repo[A]{unit: unit, typ: machine.Name(), machine: machine, status: machine.StatusOf, expires: expires}
}

// row is an aggregate loaded together with the record it came from.
type row[A any] struct {
	value  A
	record storage.AggregateRecord
}

// lock loads id under a row lock. storage.ErrNotFound is returned as is.
func (r repo[A]) lock(ctx context.Context, id string) (*row[A], error) {
	rec, err := r.unit.store.LockForUpdate(ctx, r.typ, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, sagaflow.Transient("lock "+r.typ, err)
	}
	return r.decode(rec)
}

func (r repo[A]) get(ctx context.Context, id string) (*row[A], error) {
	rec, err := r.unit.store.Get(ctx, r.typ, id)
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

func (r repo[A]) decode(rec storage.AggregateRecord) (*row[A], error) {
	var v A
	if err := json.Unmarshal(rec.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", r.typ, rec.ID, err)
	}
	return &row[A]{value: v, record: rec}, nil
}

func (r repo[A]) create(ctx context.Context, id string, v A) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", r.typ, id, err)
	}
	now := r.unit.now()
	err = r.unit.store.Create(ctx, storage.AggregateRecord{
		Type:      r.typ,
		ID:        id,
		Status:    r.status(v),
		Body:      body,
		ExpiresAt: r.expiry(v),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// save writes v over row under the optimistic version check. An unchanged
// body is not written.
func (r repo[A]) save(ctx context.Context, rw *row[A], v A) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", r.typ, rw.record.ID, err)
	}
	if bytes.Equal(body, rw.record.Body) {
		return nil
	}

	rec := rw.record
	rec.Status = r.status(v)
	rec.Body = body
	rec.ExpiresAt = r.expiry(v)
	rec.UpdatedAt = r.unit.now()
	if err := r.unit.store.Update(ctx, rec); err != nil {
		return storeErr(err)
	}

	rec.Version++
	rw.value = v
	rw.record = rec
	return nil
}

// apply runs the transition table on the locked row, stores the result and
// captures the emitted events.
func (r repo[A]) apply(ctx context.Context, rw *row[A], payload events.Payload, causationID string) (saga.Outcome[A], error) {
	out, err := r.machine.Apply(rw.value, payload, r.unit.now())
	if err != nil {
		var illegal *saga.IllegalTransitionError
		if errors.As(err, &illegal) {
			r.unit.logger.Error("Illegal transition",
				zap.String("aggregate_type", r.typ),
				zap.String("aggregate_id", rw.record.ID),
				zap.String("state", illegal.State),
				zap.String("event_type", string(illegal.Kind)),
			)
		}
		return out, err
	}
	if out.Skipped {
		r.unit.logger.Warn("Ignoring event for terminal aggregate",
			zap.String("aggregate_type", r.typ),
			zap.String("aggregate_id", rw.record.ID),
			zap.String("state", out.From),
			zap.String("event_type", string(payload.Kind())),
		)
		return out, nil
	}

	if err := r.save(ctx, rw, out.Aggregate); err != nil {
		return out, err
	}
	if err := r.unit.emit(ctx, r.typ, rw.record.ID, causationID, out.Emitted...); err != nil {
		return out, err
	}
	if out.Changed() {
		r.unit.logger.Info("Aggregate transitioned",
			zap.String("aggregate_type", r.typ),
			zap.String("aggregate_id", rw.record.ID),
			zap.String("from", out.From),
			zap.String("to", out.To),
			zap.String("event_type", string(payload.Kind())),
		)
	}
	return out, nil
}

func (r repo[A]) expiry(v A) *time.Time {
	if r.expires == nil {
		return nil
	}
	return r.expires(v)
}

// handle processes env against the aggregate id: lock, deduplicate, apply.
// A missing row is reported through onMissing; nil onMissing makes it an
// error.
func (r repo[A]) handle(ctx context.Context, env events.Envelope, id string, onMissing func(ctx context.Context) error) error {
	var rw *row[A]
	missing := false
	return r.unit.Process(ctx, env.CorrelationID, env.Kind,
		func(ctx context.Context) error {
			var err error
			rw, err = r.lock(ctx, id)
			if errors.Is(err, storage.ErrNotFound) && onMissing != nil {
				missing = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to lock %s %s: %w", r.typ, id, err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if missing {
				return onMissing(ctx)
			}
			_, err := r.apply(ctx, rw, env.Payload, env.CorrelationID)
			return err
		},
	)
}

// sweep applies an expiry trigger to every aggregate due at the trigger
// time, each in its own transaction keyed by trigger and aggregate.
func (r repo[A]) sweep(ctx context.Context, env events.Envelope, triggeredAt time.Time) error {
	ids, err := r.unit.store.ListExpiring(ctx, r.typ, r.machine.NonTerminal(), triggeredAt, r.unit.sweepLimit)
	if err != nil {
		return sagaflow.Transient("list expiring "+r.typ, err)
	}

	var errs []error
	expired := 0
	for _, id := range ids {
		sub := env
		sub.CorrelationID = env.CorrelationID + ":" + id
		err := r.handle(ctx, sub, id, func(context.Context) error { return nil })
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrDuplicate):
		default:
			errs = append(errs, fmt.Errorf("%s %s: %w", r.typ, id, err))
		}
	}

	r.unit.logger.Info("Expiry sweep finished",
		zap.String("aggregate_type", r.typ),
		zap.String("trigger_id", env.CorrelationID),
		zap.Int("candidates", len(ids)),
		zap.Int("processed", expired),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}
