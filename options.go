package sagaflow

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
)

const (
	defaultBatchSize      = 50
	defaultMaxAttempts    = 10
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 5 * time.Minute
	defaultPublishTimeout = 10 * time.Second
	defaultRelayInterval  = 5 * time.Second
	defaultListLimit      = 100
)

//
// Recorder Options
//

type RecorderOption func(*Recorder)

func WithRecorderLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithRecorderMetrics(metrics embedded.MetricsCollector) RecorderOption {
	return func(r *Recorder) {
		r.metrics = metrics
	}
}

func WithRecorderCodec(codec events.Codec) RecorderOption {
	return func(r *Recorder) {
		r.codec = codec
	}
}

func WithRecorderClock(clock clockwork.Clock) RecorderOption {
	return func(r *Recorder) {
		r.clock = clock
	}
}

// CaptureOption customises a single captured message.
type CaptureOption func(*captureOptions)

type captureOptions struct {
	messageID   string
	causationID string
	headers     map[string]string
}

// WithMessageID fixes the message id instead of generating one.
func WithMessageID(id string) CaptureOption {
	return func(o *captureOptions) {
		o.messageID = id
	}
}

// WithCausationID records the correlation id of the event that caused this one.
func WithCausationID(id string) CaptureOption {
	return func(o *captureOptions) {
		o.causationID = id
	}
}

func WithHeader(key, value string) CaptureOption {
	return func(o *captureOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

//
// Relay Options
//

type RelayOption func(*Relay)

func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithRelayMetrics(metrics embedded.MetricsCollector) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

func WithRelayBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

func WithRelayMaxAttempts(attempts int) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

func WithRelayBackoffStrategy(strategy BackoffStrategy) RelayOption {
	return func(r *Relay) {
		r.backoff = strategy
	}
}

func WithRelayPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.publishTimeout = timeout
		}
	}
}

func WithRelayAlertSink(sink embedded.AlertSink) RelayOption {
	return func(r *Relay) {
		r.alerts = sink
	}
}

func WithRelayClock(clock clockwork.Clock) RelayOption {
	return func(r *Relay) {
		r.clock = clock
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

// WithKafkaTopicResolver maps a message onto a Kafka topic. The default uses
// the routing key.
func WithKafkaTopicResolver(resolve func(embedded.Message) string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.topicFor = resolve
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

//
// Worker Options
//

type WorkerOption func(*BaseWorker)

// WithRunTimeout bounds every single run of the work function.
func WithRunTimeout(timeout time.Duration) WorkerOption {
	return func(w *BaseWorker) {
		w.runTimeout = timeout
	}
}
