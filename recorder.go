package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/storage"
)

// Recorder writes outbox messages as part of the caller's transaction. It
// never talks to the broker; the Relay publishes what the Recorder stored.
type Recorder struct {
	store   storage.OutboxStore
	codec   events.Codec
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics embedded.MetricsCollector
}

// NewRecorder captures events into store, encoded as JSON unless
// WithRecorderCodec says otherwise.
func NewRecorder(store storage.OutboxStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		codec:   events.JSONCodec{},
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capture stores payload for publication to dest. ctx must carry the
// transaction that also holds the business mutation; a store error is
// returned as is so that the whole unit rolls back.
func (r *Recorder) Capture(
	ctx context.Context,
	aggregateType, aggregateID string,
	dest events.Destination,
	payload events.Payload,
	opts ...CaptureOption,
) error {
	if !InTransaction(ctx) {
		return ErrNoTransaction
	}
	if aggregateType == "" || aggregateID == "" {
		return fmt.Errorf("aggregate type and id are required")
	}
	if dest.Exchange == "" {
		return fmt.Errorf("destination exchange is required for %s", payload.Kind())
	}

	options := captureOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.messageID == "" {
		options.messageID = uuid.NewString()
	}

	body, err := r.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", payload.Kind(), err)
	}

	headers := make(map[string]string, len(options.headers)+3)
	for k, v := range options.headers {
		headers[k] = v
	}
	if options.causationID != "" {
		headers[embedded.HeaderCausationID] = options.causationID
	}
	InjectTrace(ctx, headers)

	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	record := &storage.OutboxRecord{
		MessageID:     options.messageID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(payload.Kind()),
		Exchange:      dest.Exchange,
		RoutingKey:    dest.RoutingKey,
		ContentType:   r.codec.ContentType(),
		Payload:       body,
		Headers:       headersJSON,
		Status:        storage.StatusPending,
		CreatedAt:     r.clock.Now().UTC(),
	}
	if err := r.store.Insert(ctx, record); err != nil {
		r.metrics.IncrementCounter("outbox.capture_failed", map[string]string{"event_type": record.EventType})
		return fmt.Errorf("failed to capture %s for %s %s: %w", record.EventType, aggregateType, aggregateID, err)
	}

	r.metrics.IncrementCounter("outbox.captured", map[string]string{"event_type": record.EventType})
	r.logger.Debug("Captured outbox message",
		zap.String("message_id", record.MessageID),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_type", aggregateType),
		zap.String("aggregate_id", aggregateID),
		zap.String("destination", dest.String()),
	)
	return nil
}

// Emit captures payload on the route registered for its kind.
func (r *Recorder) Emit(ctx context.Context, aggregateType, aggregateID string, payload events.Payload, opts ...CaptureOption) error {
	dest, ok := events.RouteFor(payload.Kind())
	if !ok {
		return fmt.Errorf("no route for event kind %s", payload.Kind())
	}
	return r.Capture(ctx, aggregateType, aggregateID, dest, payload, opts...)
}
