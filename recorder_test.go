package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/storage"
	"github.com/overtonx/sagaflow/storage/sqlstore"
)

func fundsLocked() *events.FundsLocked {
	return &events.FundsLocked{
		OrderID:      "o-1",
		LockID:       "l-1",
		UserID:       "u-1",
		WalletID:     "w-1",
		LockedAmount: decimal.RequireFromString("150.25"),
		LockedAt:     t0,
	}
}

func TestRecorder_Capture_RequiresTransaction(t *testing.T) {
	store := new(storage.MockOutboxStore)
	recorder := NewRecorder(store)

	err := recorder.Emit(context.Background(), "order", "o-1", fundsLocked())

	assert.ErrorIs(t, err, ErrNoTransaction)
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestRecorder_Capture_WritesRowInTransaction(t *testing.T) {
	trManager, sqlMock := newTxManager(t)
	store := new(storage.MockOutboxStore)
	recorder := NewRecorder(store, WithRecorderClock(clockwork.NewFakeClockAt(t0)))

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var captured *storage.OutboxRecord
	store.On("Insert", mock.Anything, mock.AnythingOfType("*storage.OutboxRecord")).
		Run(func(args mock.Arguments) { captured = args.Get(1).(*storage.OutboxRecord) }).
		Return(nil).Once()

	sqlMock.ExpectBegin()
	sqlMock.ExpectCommit()
	err := trManager.Do(ctx, func(ctx context.Context) error {
		return recorder.Emit(ctx, "order", "o-1", fundsLocked(), WithCausationID("evt-9"), WithMessageID("m-fixed"))
	})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "m-fixed", captured.MessageID)
	assert.Equal(t, "FundsLocked", captured.EventType)
	assert.Equal(t, events.ExchangeFunds, captured.Exchange)
	assert.Equal(t, "funds.locked", captured.RoutingKey)
	assert.Equal(t, events.ContentTypeJSON, captured.ContentType)
	assert.Equal(t, storage.StatusPending, captured.Status)
	assert.Equal(t, t0, captured.CreatedAt)

	var headers map[string]string
	require.NoError(t, json.Unmarshal(captured.Headers, &headers))
	assert.Equal(t, "evt-9", headers[embedded.HeaderCausationID])
	assert.Contains(t, headers["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(captured.Payload, &payload))
	assert.Equal(t, "150.25", payload["lockedAmount"])
	require.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRecorder_Capture_GeneratesMessageID(t *testing.T) {
	trManager, sqlMock := newTxManager(t)
	store := newMemOutboxStore()
	recorder := NewRecorder(store, WithRecorderCodec(events.ProtoCodec{}))

	sqlMock.ExpectBegin()
	sqlMock.ExpectCommit()
	err := trManager.Do(context.Background(), func(ctx context.Context) error {
		if err := recorder.Emit(ctx, "order", "o-1", fundsLocked()); err != nil {
			return err
		}
		return recorder.Emit(ctx, "order", "o-1", fundsLocked())
	})
	require.NoError(t, err)

	first, second := store.get(1), store.get(2)
	assert.NotEmpty(t, first.MessageID)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, events.ContentTypeProtobuf, first.ContentType)
}

func TestRecorder_Emit_UnroutedKind(t *testing.T) {
	recorder := NewRecorder(newMemOutboxStore())
	err := recorder.Emit(context.Background(), "trade", "t-1", &events.TradeValidated{TradeID: "t-1", ValidatedAt: t0})
	assert.Error(t, err)
}

// A failing capture must take the business mutation down with it.
func TestRecorder_Capture_FailureRollsBackMutation(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := sqlstore.NewSQLStore(db, sqlstore.MySQL, nil)
	trManager := manager.Must(trmsql.NewDefaultFactory(db))
	recorder := NewRecorder(store.Outbox())

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("UPDATE aggregates SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec("INSERT INTO outbox_messages").WillReturnError(errors.New("disk full"))
	sqlMock.ExpectRollback()

	err = trManager.Do(context.Background(), func(ctx context.Context) error {
		if err := store.Aggregates().Update(ctx, storage.AggregateRecord{
			Type: "order", ID: "o-1", Status: "FUNDS_LOCKED", Version: 1, Body: []byte(`{}`), UpdatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return recorder.Emit(ctx, "order", "o-1", fundsLocked())
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, sqlMock.ExpectationsWereMet())
}
