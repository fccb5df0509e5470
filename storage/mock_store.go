package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockOutboxStore is a mock implementation of OutboxStore for testing.
type MockOutboxStore struct {
	mock.Mock
}

func (m *MockOutboxStore) Insert(ctx context.Context, record *OutboxRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockOutboxStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]OutboxRecord, error) {
	args := m.Called(ctx, limit, now)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockOutboxStore) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockOutboxStore) ScheduleRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	args := m.Called(ctx, id, attempts, nextAttemptAt, lastError)
	return args.Error(0)
}

func (m *MockOutboxStore) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	args := m.Called(ctx, id, attempts, lastError)
	return args.Error(0)
}

func (m *MockOutboxStore) ListFailed(ctx context.Context, limit int) ([]OutboxRecord, error) {
	args := m.Called(ctx, limit)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockOutboxStore) Requeue(ctx context.Context, id int64, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}

func (m *MockOutboxStore) DeleteDispatched(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockIdempotencyStore is a mock implementation of IdempotencyStore for testing.
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Exists(ctx context.Context, correlationID, consumer string) (bool, error) {
	args := m.Called(ctx, correlationID, consumer)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) Insert(ctx context.Context, event ProcessedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockAggregateStore is a mock implementation of AggregateStore for testing.
type MockAggregateStore struct {
	mock.Mock
}

func (m *MockAggregateStore) LockForUpdate(ctx context.Context, aggregateType, id string) (AggregateRecord, error) {
	args := m.Called(ctx, aggregateType, id)
	record, _ := args.Get(0).(AggregateRecord)
	return record, args.Error(1)
}

func (m *MockAggregateStore) Get(ctx context.Context, aggregateType, id string) (AggregateRecord, error) {
	args := m.Called(ctx, aggregateType, id)
	record, _ := args.Get(0).(AggregateRecord)
	return record, args.Error(1)
}

func (m *MockAggregateStore) Create(ctx context.Context, record AggregateRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockAggregateStore) Update(ctx context.Context, record AggregateRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockAggregateStore) ListExpiring(ctx context.Context, aggregateType string, statuses []string, before time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, aggregateType, statuses, before, limit)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}
