package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagaflow/events"
)

func newLock() FundsLock {
	return FundsLock{
		ID:       "lock-1",
		OrderID:  "order-1",
		UserID:   "user-1",
		WalletID: "wallet-1",
		Price:    dec("100"),
		Amount:   dec("1000"),
		Status:   FundsLockActive,
		LockedAt: t0,
	}
}

func TestFundsLockMachine_PartialThenFinalFill(t *testing.T) {
	out, err := FundsLockMachine.Apply(newLock(), executed("4", "100", true), t0)
	require.NoError(t, err)
	assert.Equal(t, FundsLockActive, out.Aggregate.Status)
	assert.True(t, out.Aggregate.ConsumedAmount.Equal(dec("400")))

	out, err = FundsLockMachine.Apply(out.Aggregate, executed("6", "100", false), t0)
	require.NoError(t, err)
	assert.Equal(t, FundsLockConsumed, out.Aggregate.Status)
	assert.True(t, out.Aggregate.ConsumedAmount.Equal(dec("1000")))
	assert.True(t, out.Aggregate.ReleasedAmount.IsZero())
	assert.Empty(t, out.Emitted)
}

func TestFundsLockMachine_FinalFillReturnsLeftover(t *testing.T) {
	out, err := FundsLockMachine.Apply(newLock(), executed("5", "100", false), t0)
	require.NoError(t, err)

	assert.Equal(t, FundsLockConsumed, out.Aggregate.Status)
	assert.True(t, out.Aggregate.ConsumedAmount.Equal(dec("500")))
	assert.True(t, out.Aggregate.ReleasedAmount.Equal(dec("500")))
	assert.True(t, out.Aggregate.Remaining().IsZero())
}

func TestFundsLockMachine_ReleaseAfterPartialFill(t *testing.T) {
	lock := newLock()
	lock.ConsumedAmount = dec("400")

	out, err := FundsLockMachine.Apply(lock, &events.OrderCancelled{OrderID: "order-1", Reason: "user request", CancelledAt: t0}, t0)
	require.NoError(t, err)

	assert.Equal(t, FundsLockReleased, out.Aggregate.Status)
	assert.True(t, out.Aggregate.ReleasedAmount.Equal(dec("600")))
	assert.Equal(t, "Order cancelled: user request", out.Aggregate.Reason)
}

func TestFundsLockMachine_ReleaseKinds(t *testing.T) {
	for _, payload := range []events.Payload{
		&events.OrderCancelled{OrderID: "order-1"},
		&events.OrderRejected{OrderID: "order-1", RejectionReason: "risk"},
		&events.OrderExpired{OrderID: "order-1"},
		&events.TradeFailed{OrderID: "order-1", Reason: "venue"},
	} {
		out, err := FundsLockMachine.Apply(newLock(), payload, t0)
		require.NoError(t, err, payload.Kind())
		assert.Equal(t, FundsLockReleased, out.Aggregate.Status, payload.Kind())
		assert.True(t, out.Aggregate.ReleasedAmount.Equal(dec("1000")), payload.Kind())
	}
}

func TestFundsLockMachine_ReleasedLockIgnoresFills(t *testing.T) {
	lock := newLock()
	lock.Status = FundsLockReleased
	lock.ReleasedAmount = lock.Amount

	out, err := FundsLockMachine.Apply(lock, executed("10", "100", false), t0)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, lock, out.Aggregate)
}
