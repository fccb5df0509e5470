package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"unicode/utf8"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/storage"
)

func newMockStore(t *testing.T, dialect Dialect) (*SQLStore, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, dialect, zap.NewNop()), db, mock
}

var outboxRowColumns = []string{
	"id", "message_id", "aggregate_type", "aggregate_id", "event_type", "exchange", "routing_key", "content_type",
	"payload", "headers", "status", "attempt_count", "last_error", "next_attempt_at", "created_at", "dispatched_at",
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?,?)"
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)", Postgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	for name, want := range map[string]Dialect{"mysql": MySQL, "Postgres": Postgres, "pgx": Postgres, "postgresql": Postgres} {
		got, err := ParseDialect(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("sqlite")
	assert.Error(t, err)
}

func TestOutboxStore_Insert(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		record := &storage.OutboxRecord{
			MessageID:     "m-1",
			AggregateType: "order",
			AggregateID:   "o-1",
			EventType:     "FundsLocked",
			Exchange:      "funds.exchange",
			RoutingKey:    "funds.locked",
			ContentType:   "application/json",
			Payload:       []byte(`{}`),
			CreatedAt:     created,
		}
		mock.ExpectExec("INSERT INTO outbox_messages").
			WithArgs("m-1", "order", "o-1", "FundsLocked", "funds.exchange", "funds.locked", "application/json",
				[]byte(`{}`), nil, storage.StatusPending, created).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, s.Outbox().Insert(ctx, record))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate message id", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec("INSERT INTO outbox_messages").WillReturnError(&mysql.MySQLError{Number: 1062})

		err := s.Outbox().Insert(ctx, &storage.OutboxRecord{MessageID: "m-1", CreatedAt: created})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxStore_ClaimPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	next := now.Add(-time.Second)

	s, _, mock := newMockStore(t, Postgres)
	rows := sqlmock.NewRows(outboxRowColumns).
		AddRow(7, "m-7", "order", "o-1", "OrderExpired", "order.exchange", "order.expired", "application/json",
			[]byte(`{"orderId":"o-1"}`), []byte(`{"k":"v"}`), storage.StatusPending, 2, "boom", next, now.Add(-time.Minute), nil)
	mock.ExpectQuery(`SELECT (.+) FROM outbox_messages WHERE status = \$1 AND \(next_attempt_at IS NULL OR next_attempt_at <= \$2\) ORDER BY created_at, id LIMIT \$3 FOR UPDATE SKIP LOCKED`).
		WithArgs(storage.StatusPending, now, 10).
		WillReturnRows(rows)

	records, err := s.Outbox().ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ID)
	assert.Equal(t, "order.expired", records[0].RoutingKey)
	assert.Equal(t, 2, records[0].AttemptCount)
	assert.Equal(t, "boom", records[0].LastError)
	require.NotNil(t, records[0].NextAttemptAt)
	assert.True(t, next.Equal(*records[0].NextAttemptAt))
	assert.Nil(t, records[0].DispatchedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("mark dispatched", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`UPDATE outbox_messages SET status = \?, dispatched_at = \?, next_attempt_at = NULL WHERE id = \?`).
			WithArgs(storage.StatusDispatched, now, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Outbox().MarkDispatched(ctx, 3, now))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("schedule retry truncates long errors", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		long := make([]byte, maxErrorLength+50)
		for i := range long {
			long[i] = 'x'
		}
		mock.ExpectExec(`UPDATE outbox_messages SET attempt_count = \?, next_attempt_at = \?, last_error = \? WHERE id = \?`).
			WithArgs(2, now, string(long[:maxErrorLength]), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Outbox().ScheduleRetry(ctx, 3, 2, now, string(long)))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("schedule retry keeps multibyte errors valid", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		long := strings.Repeat("x", maxErrorLength-1) + strings.Repeat("ü", 10)
		mock.ExpectExec(`UPDATE outbox_messages SET attempt_count = \$1, next_attempt_at = \$2, last_error = \$3 WHERE id = \$4`).
			WithArgs(2, now, strings.Repeat("x", maxErrorLength-1), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Outbox().ScheduleRetry(ctx, 3, 2, now, long))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark failed", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`UPDATE outbox_messages SET status = \?, attempt_count = \?, last_error = \?`).
			WithArgs(storage.StatusFailed, 5, "broker down", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Outbox().MarkFailed(ctx, 3, 5, "broker down"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requeue only failed rows", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`UPDATE outbox_messages SET status = \?, attempt_count = 0`).
			WithArgs(storage.StatusPending, now, int64(3), storage.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.Outbox().Requeue(ctx, 3, now)
		assert.ErrorIs(t, err, storage.ErrMessageNotFailed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete dispatched", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		mock.ExpectExec(`DELETE FROM outbox_messages WHERE status = \$1 AND dispatched_at < \$2`).
			WithArgs(storage.StatusDispatched, now).
			WillReturnResult(sqlmock.NewResult(0, 12))

		n, err := s.Outbox().DeleteDispatched(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProcessedEventStore(t *testing.T) {
	ctx := context.Background()
	event := storage.ProcessedEvent{
		CorrelationID: "c-1",
		ConsumerName:  "order-service",
		EventType:     "FundsLocked",
		ProcessedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	t.Run("exists", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		mock.ExpectQuery(`SELECT COUNT\(1\) FROM processed_events WHERE correlation_id = \$1 AND consumer_name = \$2`).
			WithArgs("c-1", "order-service").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		ok, err := s.ProcessedEvents().Exists(ctx, "c-1", "order-service")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("postgres conflict is reported as already processed", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		mock.ExpectExec(`INSERT INTO processed_events .+ ON CONFLICT \(correlation_id, consumer_name\) DO NOTHING`).
			WithArgs("c-1", "order-service", "FundsLocked", event.ProcessedAt).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.ProcessedEvents().Insert(ctx, event)
		assert.ErrorIs(t, err, storage.ErrAlreadyProcessed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mysql duplicate key is reported as already processed", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnError(&mysql.MySQLError{Number: 1062})

		err := s.ProcessedEvents().Insert(ctx, event)
		assert.ErrorIs(t, err, storage.ErrAlreadyProcessed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.ProcessedEvents().Insert(ctx, event))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAggregateStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	aggColumns := []string{"aggregate_type", "aggregate_id", "status", "version", "body", "expires_at", "created_at", "updated_at"}

	t.Run("lock for update", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectQuery(`SELECT (.+) FROM aggregates WHERE aggregate_type = \? AND aggregate_id = \? FOR UPDATE`).
			WithArgs("order", "o-1").
			WillReturnRows(sqlmock.NewRows(aggColumns).AddRow("order", "o-1", "PENDING", 3, []byte(`{}`), now, now, now))

		r, err := s.Aggregates().LockForUpdate(ctx, "order", "o-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), r.Version)
		require.NotNil(t, r.ExpiresAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing aggregate", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectQuery(`SELECT (.+) FROM aggregates`).WillReturnRows(sqlmock.NewRows(aggColumns))

		_, err := s.Aggregates().Get(ctx, "order", "o-404")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create duplicate", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		mock.ExpectExec(`INSERT INTO aggregates`).WillReturnError(&pgconn.PgError{Code: "23505"})

		err := s.Aggregates().Create(ctx, storage.AggregateRecord{Type: "payment", ID: "p-1", Status: "PENDING", CreatedAt: now, UpdatedAt: now})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version", func(t *testing.T) {
		s, _, mock := newMockStore(t, MySQL)
		mock.ExpectExec(`UPDATE aggregates SET status = \?, body = \?, expires_at = \?, version = version \+ 1, updated_at = \? WHERE aggregate_type = \? AND aggregate_id = \? AND version = \?`).
			WithArgs("FILLED", []byte(`{}`), nil, now, "order", "o-1", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.Aggregates().Update(ctx, storage.AggregateRecord{Type: "order", ID: "o-1", Status: "FILLED", Version: 2, Body: []byte(`{}`), UpdatedAt: now})
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list expiring", func(t *testing.T) {
		s, _, mock := newMockStore(t, Postgres)
		mock.ExpectQuery(`SELECT aggregate_id FROM aggregates WHERE aggregate_type = \$1 AND status IN \(\$2,\$3\) AND expires_at IS NOT NULL AND expires_at <= \$4 ORDER BY expires_at LIMIT \$5`).
			WithArgs("order", "PENDING", "PARTIALLY_FILLED", now, 50).
			WillReturnRows(sqlmock.NewRows([]string{"aggregate_id"}).AddRow("o-1").AddRow("o-2"))

		ids, err := s.Aggregates().ListExpiring(ctx, "order", []string{"PENDING", "PARTIALLY_FILLED"}, now, 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"o-1", "o-2"}, ids)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_UsesTransactionFromContext(t *testing.T) {
	s, db, mock := newMockStore(t, MySQL)
	trManager := manager.Must(trmsql.NewDefaultFactory(db))
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_messages`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := trManager.Do(context.Background(), func(ctx context.Context) error {
		if err := s.ProcessedEvents().Insert(ctx, storage.ProcessedEvent{CorrelationID: "c", ConsumerName: "x", EventType: "e", ProcessedAt: now}); err != nil {
			return err
		}
		return s.Outbox().Insert(ctx, &storage.OutboxRecord{MessageID: "m", CreatedAt: now})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))

	ascii := strings.Repeat("a", maxErrorLength+1)
	assert.Len(t, truncate(ascii), maxErrorLength)

	for pad := 0; pad < 4; pad++ {
		s := strings.Repeat("a", maxErrorLength-pad) + strings.Repeat("😀", 3)
		got := truncate(s)
		assert.True(t, utf8.ValidString(got), "pad %d", pad)
		assert.LessOrEqual(t, len(got), maxErrorLength)
		assert.True(t, strings.HasPrefix(s, got))
	}
}
