package sqlstore

import (
	"context"
	"fmt"

	"github.com/overtonx/sagaflow/storage"
)

const existsProcessedQuery = `SELECT COUNT(1) FROM %s WHERE correlation_id = ? AND consumer_name = ?`

// ProcessedEventStore implements storage.IdempotencyStore on the
// processed_events table, unique on (correlation_id, consumer_name).
type ProcessedEventStore struct {
	*SQLStore
}

var _ storage.IdempotencyStore = (*ProcessedEventStore)(nil)

func (s *ProcessedEventStore) Exists(ctx context.Context, correlationID, consumer string) (bool, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, s.query(existsProcessedQuery, tableProcessed), correlationID, consumer).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

func (s *ProcessedEventStore) Insert(ctx context.Context, event storage.ProcessedEvent) error {
	res, err := s.conn(ctx).ExecContext(ctx, s.dialect.insertProcessedQuery(),
		event.CorrelationID,
		event.ConsumerName,
		event.EventType,
		event.ProcessedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to insert processed event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read processed event insert result: %w", err)
	}
	if affected == 0 {
		return storage.ErrAlreadyProcessed
	}
	return nil
}
