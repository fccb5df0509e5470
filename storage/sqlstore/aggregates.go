package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/overtonx/sagaflow/storage"
)

const aggregateColumns = `aggregate_type, aggregate_id, status, version, body, expires_at, created_at, updated_at`

const (
	selectAggregateQuery = `SELECT %s FROM %s WHERE aggregate_type = ? AND aggregate_id = ?`

	insertAggregateQuery = `
		INSERT INTO %s (aggregate_type, aggregate_id, status, version, body, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)`

	updateAggregateQuery = `
		UPDATE %s
		SET status = ?, body = ?, expires_at = ?, version = version + 1, updated_at = ?
		WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?`

	listExpiringQuery = `
		SELECT aggregate_id
		FROM %s
		WHERE aggregate_type = ? AND status IN (%s) AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`
)

// AggregateStore implements storage.AggregateStore.
type AggregateStore struct {
	*SQLStore
}

var _ storage.AggregateStore = (*AggregateStore)(nil)

func (s *AggregateStore) LockForUpdate(ctx context.Context, aggregateType, id string) (storage.AggregateRecord, error) {
	return s.selectOne(ctx, s.query(selectAggregateQuery, aggregateColumns, tableAggregates)+" FOR UPDATE", aggregateType, id)
}

func (s *AggregateStore) Get(ctx context.Context, aggregateType, id string) (storage.AggregateRecord, error) {
	return s.selectOne(ctx, s.query(selectAggregateQuery, aggregateColumns, tableAggregates), aggregateType, id)
}

func (s *AggregateStore) selectOne(ctx context.Context, query, aggregateType, id string) (storage.AggregateRecord, error) {
	var (
		r         storage.AggregateRecord
		expiresAt sql.NullTime
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, aggregateType, id).Scan(
		&r.Type,
		&r.ID,
		&r.Status,
		&r.Version,
		&r.Body,
		&expiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if notFound(err) {
			return storage.AggregateRecord{}, storage.ErrNotFound
		}
		return storage.AggregateRecord{}, fmt.Errorf("failed to load %s %s: %w", aggregateType, id, err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	return r, nil
}

func (s *AggregateStore) Create(ctx context.Context, record storage.AggregateRecord) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(insertAggregateQuery, tableAggregates),
		record.Type,
		record.ID,
		record.Status,
		record.Body,
		utcOrNil(record.ExpiresAt),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create %s %s: %w", record.Type, record.ID, err)
	}
	return nil
}

func (s *AggregateStore) Update(ctx context.Context, record storage.AggregateRecord) error {
	res, err := s.conn(ctx).ExecContext(ctx, s.query(updateAggregateQuery, tableAggregates),
		record.Status,
		record.Body,
		utcOrNil(record.ExpiresAt),
		record.UpdatedAt.UTC(),
		record.Type,
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", record.Type, record.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

func (s *AggregateStore) ListExpiring(ctx context.Context, aggregateType string, statuses []string, before time.Time, limit int) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses)+3)
	args = append(args, aggregateType)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, before.UTC(), limit)

	rows, err := s.conn(ctx).QueryContext(ctx, s.query(listExpiringQuery, tableAggregates, placeholders(len(statuses))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring %s: %w", aggregateType, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading aggregate ids: %w", err)
	}
	return ids, nil
}

func utcOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
