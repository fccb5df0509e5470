package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
)

// RetryQueue names the delay queue holding retries of queue that wait for
// delay. Every message in one delay queue shares the same TTL, so the
// broker, which only expires messages at the head of a queue, releases
// them in order.
func RetryQueue(queue string, delay time.Duration) string {
	return queue + ".retry." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// DeadLetterQueue names the parking queue for queue.
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeadLetterHandler carries out Retry and DeadLetter decisions by
// republishing the delivery. The caller acks the original only after this
// returned nil.
type DeadLetterHandler struct {
	publisher embedded.Publisher
	logger    *zap.Logger
	metrics   embedded.MetricsCollector
}

// NewDeadLetterHandler settles through publisher, normally a dedicated
// confirm channel.
func NewDeadLetterHandler(publisher embedded.Publisher, logger *zap.Logger, metrics embedded.MetricsCollector) *DeadLetterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = sagaflow.NewNopMetricsCollector()
	}
	return &DeadLetterHandler{publisher: publisher, logger: logger, metrics: metrics}
}

// Settle republishes d according to decision. Ack decisions need nothing.
func (h *DeadLetterHandler) Settle(ctx context.Context, d Delivery, decision Decision) error {
	switch decision.Action {
	case Ack:
		return nil
	case Retry:
		return h.retry(ctx, d, decision)
	case DeadLetter:
		return h.deadLetter(ctx, d, decision)
	default:
		return fmt.Errorf("unknown action %d", decision.Action)
	}
}

func (h *DeadLetterHandler) retry(ctx context.Context, d Delivery, decision Decision) error {
	headers := copyHeaders(d.Headers)
	headers[embedded.HeaderRetryCount] = strconv.Itoa(d.RetryCount() + 1)
	headers[embedded.HeaderFailures] = encodeHistory(decision.History)

	msg := h.message(d, headers)
	msg.RoutingKey = RetryQueue(d.Queue, decision.Delay)

	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.metrics.IncrementCounter("router.retry.publish_failed", map[string]string{"queue": d.Queue})
		return fmt.Errorf("failed to schedule retry of %s: %w", d.MessageID, err)
	}
	h.metrics.IncrementCounter("router.retry.scheduled", map[string]string{"queue": d.Queue})
	return nil
}

func (h *DeadLetterHandler) deadLetter(ctx context.Context, d Delivery, decision Decision) error {
	headers := copyHeaders(d.Headers)
	headers[embedded.HeaderFailures] = encodeHistory(decision.History)
	headers[embedded.HeaderOriginalQueue] = d.Queue
	headers[embedded.HeaderFailureClass] = string(decision.Class)

	msg := h.message(d, headers)
	msg.Exchange = events.ExchangeDeadLetter
	msg.RoutingKey = DeadLetterQueue(d.Queue)

	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.metrics.IncrementCounter("router.deadletter.publish_failed", map[string]string{"queue": d.Queue})
		return fmt.Errorf("failed to dead-letter %s: %w", d.MessageID, err)
	}

	h.logger.Error("Message moved to dead-letter queue",
		zap.String("message_id", d.MessageID),
		zap.String("queue", d.Queue),
		zap.String("event_type", string(d.Kind)),
		zap.String("class", string(decision.Class)),
		zap.Int("failures", len(decision.History)),
	)
	h.metrics.IncrementCounter("router.deadletter.moved", map[string]string{
		"queue": d.Queue,
		"class": string(decision.Class),
	})
	return nil
}

func (h *DeadLetterHandler) message(d Delivery, headers map[string]string) embedded.Message {
	return embedded.Message{
		ID:            d.MessageID,
		EventType:     string(d.Kind),
		AggregateType: headers[embedded.HeaderAggregateType],
		AggregateID:   headers[embedded.HeaderAggregateID],
		ContentType:   d.ContentType,
		Payload:       d.Body,
		Headers:       headers,
	}
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
