package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	confirmBuffer         = 16
)

var (
	ErrPublishNacked   = errors.New("broker nacked publish")
	ErrConfirmTimeout  = errors.New("timed out waiting for publish confirm")
	ErrPublisherClosed = errors.New("publisher closed")
)

// ConfirmChannel is the part of *amqp.Channel used for confirmed publishing.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes to RabbitMQ and waits for the broker confirm of every
// message. One publish is in flight at a time. Confirms of publishes that
// were abandoned on timeout or cancellation arrive late and are discarded
// by delivery tag.
type Publisher struct {
	ch             ConfirmChannel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ embedded.Publisher = (*Publisher)(nil)

type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for each broker confirm.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPublisherLogger sets the logger. Default is a no-op logger.
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher puts ch in confirm mode.
func NewPublisher(ch ConfirmChannel, opts ...PublisherOption) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p := &Publisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		confirmTimeout: defaultConfirmTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends msg and returns once the broker confirmed it. Every failure
// is transient.
func (p *Publisher) Publish(ctx context.Context, msg embedded.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return sagaflow.Transient("publish", ErrPublisherClosed)
	}

	tag := p.ch.GetNextPublishSeqNo()
	if err := p.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, toPublishing(msg)); err != nil {
		return sagaflow.Transient("publish", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return sagaflow.Transient("confirm", ErrPublisherClosed)
			}
			if c.DeliveryTag < tag {
				p.logger.Debug("Discarding late confirm",
					zap.Uint64("delivery_tag", c.DeliveryTag),
					zap.Bool("ack", c.Ack),
				)
				continue
			}
			if !c.Ack {
				p.logger.Warn("Broker nacked publish",
					zap.String("message_id", msg.ID),
					zap.Uint64("delivery_tag", c.DeliveryTag),
				)
				return sagaflow.Transient("confirm", ErrPublishNacked)
			}
			return nil
		case <-timer.C:
			return sagaflow.Transient("confirm", ErrConfirmTimeout)
		case <-ctx.Done():
			return sagaflow.Transient("confirm", ctx.Err())
		}
	}
}

// Close closes the channel. Further publishes fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ch.Close()
}

func toPublishing(msg embedded.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.EventType != "" {
		headers[embedded.HeaderEventType] = msg.EventType
	}
	if msg.AggregateType != "" {
		headers[embedded.HeaderAggregateType] = msg.AggregateType
	}
	if msg.AggregateID != "" {
		headers[embedded.HeaderAggregateID] = msg.AggregateID
	}

	pub := amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Payload,
	}
	if msg.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(msg.Expiration.Milliseconds(), 10)
	}
	return pub
}
