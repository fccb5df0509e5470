package participant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/idempotency"
	"github.com/overtonx/sagaflow/storage"
)

func TestDeterministicID(t *testing.T) {
	assert.Equal(t, LockID("o-1"), LockID("o-1"))
	assert.NotEqual(t, LockID("o-1"), TradeID("o-1"))
	assert.NotEqual(t, WalletID("a:b"), deterministicID("wallet", "a", "b"))
	assert.Len(t, WalletID("u1"), 36)
}

func TestStoreErr(t *testing.T) {
	assert.True(t, sagaflow.IsTransient(storeErr(storage.ErrVersionConflict)))
	assert.ErrorIs(t, storeErr(storage.ErrAlreadyExists), ErrDuplicate)
	assert.ErrorIs(t, storeErr(storage.ErrAlreadyExists), storage.ErrAlreadyExists)

	boom := errors.New("boom")
	assert.Equal(t, boom, storeErr(boom))
}

func TestUnit_ProcessMarksAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	unit := h.funds.unit
	calls := 0
	apply := func(context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, unit.Process(context.Background(), "evt-1", events.KindUserCreated, nil, apply))
	err := unit.Process(context.Background(), "evt-1", events.KindUserCreated, nil, apply)

	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, calls)
	seen, err := h.processed.Exists(context.Background(), "evt-1", FundsConsumer)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestUnit_ProcessFailureLeavesNoMark(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")

	err := h.orders.unit.Process(context.Background(), "evt-1", events.KindFundsLocked, nil, func(context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	seen, err := h.processed.Exists(context.Background(), "evt-1", OrderConsumer)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestUnit_ProcessScopesMarksPerConsumer(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, h.orders.unit.Process(context.Background(), "evt-1", events.KindTradeExecuted, nil, noop))
	require.NoError(t, h.funds.unit.Process(context.Background(), "evt-1", events.KindTradeExecuted, nil, noop))
}

func TestUnit_LockFailureSkipsCheck(t *testing.T) {
	unit := NewUnit(txManager(t), newMemAggregates(), sagaflow.NewRecorder(&memOutbox{}),
		idempotency.NewGuard(&memProcessed{rows: nil}, "c"))

	err := unit.Process(context.Background(), "evt-1", events.KindFundsLocked,
		func(context.Context) error { return storage.ErrNotFound },
		func(context.Context) error { t.Fatal("apply must not run"); return nil },
	)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnit_ConcurrentRedeliveryCommitsOnce(t *testing.T) {
	processed := &memProcessed{rows: make(map[[2]string]storage.ProcessedEvent)}
	store := newMemAggregates()
	recorder := sagaflow.NewRecorder(&memOutbox{})

	var inApply sync.WaitGroup
	inApply.Add(2)
	apply := func(context.Context) error {
		inApply.Done()
		inApply.Wait()
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		unit := NewUnit(txManager(t), store, recorder, idempotency.NewGuard(processed, FundsConsumer))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = unit.Process(context.Background(), "evt-ov-1", events.KindOrderValidated, nil, apply)
		}(i)
	}
	wg.Wait()

	var committed, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrDuplicate):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, duplicates)
	assert.Len(t, processed.rows, 1)
}

// racedProcessed hides a mark committed by a concurrent transaction from
// the read, as READ COMMITTED does before that transaction commits.
type racedProcessed struct {
	memProcessed
}

func (s *racedProcessed) Exists(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestUnit_LostMarkRollsBackEffect(t *testing.T) {
	processed := &racedProcessed{memProcessed{rows: map[[2]string]storage.ProcessedEvent{
		{"evt-ov-1", FundsConsumer}: {CorrelationID: "evt-ov-1", ConsumerName: FundsConsumer},
	}}}
	unit := NewUnit(txManager(t), newMemAggregates(), sagaflow.NewRecorder(&memOutbox{}),
		idempotency.NewGuard(processed, FundsConsumer))

	applied := false
	err := unit.Process(context.Background(), "evt-ov-1", events.KindOrderValidated, nil, func(context.Context) error {
		applied = true
		return nil
	})

	assert.True(t, applied)
	assert.ErrorIs(t, err, ErrDuplicate)
}
