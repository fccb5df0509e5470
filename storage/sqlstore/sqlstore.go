package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/storage"
)

const (
	tableOutbox     = "outbox_messages"
	tableProcessed  = "processed_events"
	tableAggregates = "aggregates"
)

const outboxColumns = `id, message_id, aggregate_type, aggregate_id, event_type, exchange, routing_key, content_type,
	payload, headers, status, attempt_count, last_error, next_attempt_at, created_at, dispatched_at`

const (
	insertOutboxQuery = `
		INSERT INTO %s (message_id, aggregate_type, aggregate_id, event_type, exchange, routing_key, content_type, payload, headers, status, attempt_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`

	claimPendingQuery = `
		SELECT %s
		FROM %s
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	markDispatchedQuery = `UPDATE %s SET status = ?, dispatched_at = ?, next_attempt_at = NULL WHERE id = ?`

	scheduleRetryQuery = `UPDATE %s SET attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`

	markFailedQuery = `UPDATE %s SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = NULL WHERE id = ?`

	listFailedQuery = `
		SELECT %s
		FROM %s
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`

	requeueQuery = `UPDATE %s SET status = ?, attempt_count = 0, next_attempt_at = ? WHERE id = ? AND status = ?`

	deleteDispatchedQuery = `DELETE FROM %s WHERE status = ? AND dispatched_at < ?`
)

// SQLStore is the shared handle behind the outbox, processed-event and
// aggregate stores. Every query runs on the transaction found in the
// context, or directly on the pool when there is none.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
	logger  *zap.Logger
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
		logger:  logger,
	}
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Outbox() *OutboxStore { return &OutboxStore{s} }

func (s *SQLStore) ProcessedEvents() *ProcessedEventStore { return &ProcessedEventStore{s} }

func (s *SQLStore) Aggregates() *AggregateStore { return &AggregateStore{s} }

// Ping checks the pool, bounded by ctx.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) query(format string, args ...interface{}) string {
	return s.dialect.Rebind(fmt.Sprintf(format, args...))
}

// OutboxStore implements storage.OutboxStore.
type OutboxStore struct {
	*SQLStore
}

var _ storage.OutboxStore = (*OutboxStore)(nil)

func (s *OutboxStore) Insert(ctx context.Context, record *storage.OutboxRecord) error {
	var headers interface{}
	if len(record.Headers) > 0 {
		headers = record.Headers
	}
	_, err := s.conn(ctx).ExecContext(ctx, s.query(insertOutboxQuery, tableOutbox),
		record.MessageID,
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		record.Exchange,
		record.RoutingKey,
		record.ContentType,
		record.Payload,
		headers,
		storage.StatusPending,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

func (s *OutboxStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]storage.OutboxRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, s.query(claimPendingQuery, outboxColumns, tableOutbox),
		storage.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending outbox messages: %w", err)
	}
	defer rows.Close()

	return scanOutbox(rows)
}

func (s *OutboxStore) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(markDispatchedQuery, tableOutbox), storage.StatusDispatched, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d dispatched: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) ScheduleRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(scheduleRetryQuery, tableOutbox), attempts, nextAttemptAt.UTC(), truncate(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for outbox message %d: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(markFailedQuery, tableOutbox), storage.StatusFailed, attempts, truncate(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d failed: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) ListFailed(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, s.query(listFailedQuery, outboxColumns, tableOutbox), storage.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed outbox messages: %w", err)
	}
	defer rows.Close()

	return scanOutbox(rows)
}

func (s *OutboxStore) Requeue(ctx context.Context, id int64, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, s.query(requeueQuery, tableOutbox),
		storage.StatusPending, now.UTC(), id, storage.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox message %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read requeue result: %w", err)
	}
	if affected == 0 {
		return storage.ErrMessageNotFailed
	}
	return nil
}

func (s *OutboxStore) DeleteDispatched(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.query(deleteDispatchedQuery, tableOutbox), storage.StatusDispatched, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete dispatched outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n, nil
}

func scanOutbox(rows *sql.Rows) ([]storage.OutboxRecord, error) {
	var records []storage.OutboxRecord
	for rows.Next() {
		var (
			r            storage.OutboxRecord
			lastError    sql.NullString
			nextAttempt  sql.NullTime
			dispatchedAt sql.NullTime
		)
		if err := rows.Scan(
			&r.ID,
			&r.MessageID,
			&r.AggregateType,
			&r.AggregateID,
			&r.EventType,
			&r.Exchange,
			&r.RoutingKey,
			&r.ContentType,
			&r.Payload,
			&r.Headers,
			&r.Status,
			&r.AttemptCount,
			&lastError,
			&nextAttempt,
			&r.CreatedAt,
			&dispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		r.LastError = lastError.String
		if nextAttempt.Valid {
			t := nextAttempt.Time
			r.NextAttemptAt = &t
		}
		if dispatchedAt.Valid {
			t := dispatchedAt.Time
			r.DispatchedAt = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return records, nil
}

const maxErrorLength = 2000

// truncate caps s at maxErrorLength bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	end := maxErrorLength
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
