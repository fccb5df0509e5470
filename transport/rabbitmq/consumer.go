package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
)

const defaultPrefetch = 10

// ConsumeChannel is the part of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Router decides what happens to a delivery.
type Router interface {
	Route(ctx context.Context, d router.Delivery) router.Decision
}

// Settler republishes deliveries that are retried or dead-lettered.
type Settler interface {
	Settle(ctx context.Context, d router.Delivery, decision router.Decision) error
}

// Consumer is a worker draining one queue. Deliveries are handled one at a
// time; the prefetch bounds what the broker pushes ahead.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	tag      string
	prefetch int
	router   Router
	settler  Settler
	logger   *zap.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

var _ embedded.Worker = (*Consumer)(nil)

type ConsumerOption func(*Consumer)

// WithPrefetch sets the channel QoS: unacknowledged deliveries in flight.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer consumes queue on ch, routes every delivery through rt and
// settles failures with settler before acking.
func NewConsumer(ch ConsumeChannel, queue string, rt Router, settler Settler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:       ch,
		queue:    queue,
		prefetch: defaultPrefetch,
		router:   rt,
		settler:  settler,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("queue", queue))
	return c
}

func (c *Consumer) Name() string {
	return "consumer:" + c.queue
}

// Start consumes until ctx is done, Stop is called or the broker closes the
// delivery channel.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Warn("Consumer already started")
		return
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	deliveries, err := c.subscribe()
	if err != nil {
		c.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}
	c.logger.Info("Consumer started", zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, consumer stopping")
			return
		case <-c.stopChan:
			c.logger.Info("Stop signal received, consumer stopping")
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed by broker")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// handle routes d and settles it. A delivery whose retry or dead-letter
// publication failed is returned to the queue.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	in := FromDelivery(c.queue, d)
	decision := c.router.Route(ctx, in)

	if err := c.settler.Settle(ctx, in, decision); err != nil {
		c.logger.Error("Failed to settle delivery, requeueing",
			zap.String("message_id", in.MessageID),
			zap.String("action", decision.Action.String()),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack delivery", zap.String("message_id", in.MessageID), zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack delivery", zap.String("message_id", in.MessageID), zap.Error(err))
	}
}

// Stop ends the consume loop after the delivery in hand is settled.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
	})
}

// FromDelivery converts a broker delivery. The event kind comes from the
// AMQP type property, falling back to the event_type header.
func FromDelivery(queue string, d amqp.Delivery) router.Delivery {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	kind := d.Type
	if kind == "" {
		kind = headers[embedded.HeaderEventType]
	}
	id := d.MessageId
	if id == "" {
		id = headers[embedded.HeaderMessageID]
	}

	return router.Delivery{
		Queue:       queue,
		MessageID:   id,
		Kind:        events.Kind(kind),
		ContentType: d.ContentType,
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
	}
}
