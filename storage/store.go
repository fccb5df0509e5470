package storage

import (
	"context"
	"errors"
	"time"
)

const (
	StatusPending    = "PENDING"
	StatusDispatched = "DISPATCHED"
	StatusFailed     = "FAILED"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrVersionConflict  = errors.New("aggregate version conflict")
	ErrAlreadyProcessed = errors.New("event already processed")
	ErrMessageNotFailed = errors.New("outbox message is not in FAILED state")
)

// OutboxStore persists outbox rows. All methods run on the transaction held
// in ctx when there is one.
type OutboxStore interface {
	// Insert appends a PENDING row.
	Insert(ctx context.Context, record *OutboxRecord) error
	// ClaimPending locks due PENDING rows, skipping rows locked elsewhere.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]OutboxRecord, error)
	MarkDispatched(ctx context.Context, id int64, at time.Time) error
	ScheduleRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error
	ListFailed(ctx context.Context, limit int) ([]OutboxRecord, error)
	// Requeue moves a FAILED row back to PENDING with a fresh attempt budget.
	Requeue(ctx context.Context, id int64, now time.Time) error
	// DeleteDispatched prunes DISPATCHED rows sent before the cutoff.
	DeleteDispatched(ctx context.Context, before time.Time) (int64, error)
}

// IdempotencyStore is the append-only set of processed events.
type IdempotencyStore interface {
	Exists(ctx context.Context, correlationID, consumer string) (bool, error)
	// Insert returns ErrAlreadyProcessed when the uniqueness constraint fires.
	Insert(ctx context.Context, event ProcessedEvent) error
}

// AggregateStore keeps one row per aggregate with its status and a JSON body.
type AggregateStore interface {
	// LockForUpdate reads the row under a pessimistic lock held until the
	// surrounding transaction ends.
	LockForUpdate(ctx context.Context, aggregateType, id string) (AggregateRecord, error)
	Get(ctx context.Context, aggregateType, id string) (AggregateRecord, error)
	Create(ctx context.Context, record AggregateRecord) error
	// Update writes record if the stored version equals record.Version and
	// bumps the version.
	Update(ctx context.Context, record AggregateRecord) error
	// ListExpiring returns ids of aggregates in one of statuses whose expiry
	// is at or before the given time.
	ListExpiring(ctx context.Context, aggregateType string, statuses []string, before time.Time, limit int) ([]string, error)
}

type OutboxRecord struct {
	ID            int64
	MessageID     string
	AggregateType string
	AggregateID   string
	EventType     string
	Exchange      string
	RoutingKey    string
	ContentType   string
	Payload       []byte
	Headers       []byte
	Status        string
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type ProcessedEvent struct {
	CorrelationID string
	ConsumerName  string
	EventType     string
	ProcessedAt   time.Time
}

type AggregateRecord struct {
	Type      string
	ID        string
	Status    string
	Version   int64
	Body      []byte
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
