package embedded

import (
	"context"
	"time"
)

const (
	HeaderMessageID     = "message_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderCausationID   = "causation_id"
	HeaderRetryCount    = "x-retry-count"
	HeaderFailures      = "x-failure-history"
	HeaderOriginalQueue = "x-original-queue"
	HeaderFailureClass  = "x-failure-class"
)

// Message is a single outbound publication, independent of the broker used.
type Message struct {
	ID            string
	EventType     string
	AggregateType string
	AggregateID   string
	Exchange      string
	RoutingKey    string
	ContentType   string
	Payload       []byte
	Headers       map[string]string
	Attempt       int

	// Expiration asks the broker to drop or dead-letter the message after
	// this long. Zero means no expiry.
	Expiration time.Duration
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Relay interface {
	ProcessBatch(ctx context.Context) error
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// Alert is raised when an outbox message exhausted its publish attempts.
type Alert struct {
	MessageID     string
	EventType     string
	AggregateType string
	AggregateID   string
	Attempts      int
	LastError     string
	RaisedAt      time.Time
}

type AlertSink interface {
	Alert(ctx context.Context, alert Alert)
}
