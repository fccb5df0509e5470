package sagaflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
)

// KafkaHeaderBuilder builds the Kafka headers of a message.
type KafkaHeaderBuilder func(msg embedded.Message) []kafka.Header

// NopPublisher accepts every message and sends nothing.
type NopPublisher struct{}

var _ embedded.Publisher = (*NopPublisher)(nil)

// NewNopPublisher returns a publisher that drops every message.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish always succeeds.
func (p *NopPublisher) Publish(context.Context, embedded.Message) error {
	return nil
}

// Close always succeeds.
func (p *NopPublisher) Close() error {
	return nil
}

// FanoutPublisher publishes every message to each publisher in order. A
// message counts as published only once all of them accepted it, so a
// failure of a later publisher makes the relay send it again to the
// earlier ones too; consumers deduplicate by message id.
type FanoutPublisher []embedded.Publisher

var _ embedded.Publisher = FanoutPublisher(nil)

// Publish stops at the first failure.
func (f FanoutPublisher) Publish(ctx context.Context, msg embedded.Message) error {
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every publisher and joins their errors.
func (f FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// kafkaProducer is the part of *kafka.Producer the publisher needs.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher sends messages to Kafka and returns only once the broker
// acknowledged the write, so the relay marks a row dispatched only after a
// confirmed send.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      kafkaProducer
	producerProps kafka.ConfigMap
	topicFor      func(embedded.Message) string
	headerBuilder KafkaHeaderBuilder
}

var _ embedded.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	p := newKafkaPublisher(logger, opts...)

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer
	go p.logProducerEvents(producer.Events())

	return p, nil
}

func newKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topicFor:      func(msg embedded.Message) string { return msg.RoutingKey },
		headerBuilder: buildKafkaHeaders,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish produces msg keyed by aggregate id, keeping per-aggregate order
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, msg embedded.Message) error {
	topic := p.topicFor(msg)
	if topic == "" {
		return fmt.Errorf("no kafka topic for message %s", msg.ID)
	}

	p.logger.Debug("Publishing message to Kafka",
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.String("topic", topic),
	)

	delivery := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.AggregateID),
		Value:          msg.Payload,
		Headers:        p.headerBuilder(msg),
	}, delivery)
	if err != nil {
		return Transient("kafka produce", err)
	}

	select {
	case <-ctx.Done():
		return Transient("kafka delivery", ctx.Err())
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return Transient("kafka delivery", fmt.Errorf("unexpected delivery event %v", ev))
		}
		if m.TopicPartition.Error != nil {
			return Transient("kafka delivery", m.TopicPartition.Error)
		}
		return nil
	}
}

func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	return nil
}

// logProducerEvents drains client-level events; per-message reports go to
// the delivery channel passed to Produce.
func (p *KafkaPublisher) logProducerEvents(evs chan kafka.Event) {
	for e := range evs {
		if ev, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func buildKafkaHeaders(msg embedded.Message) []kafka.Header {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(msg.ContentType)})
	}
	return headers
}
