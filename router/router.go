// Package router turns one inbound delivery into a settlement decision:
// acknowledge it, retry it later, or move it to the dead-letter queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/saga"
)

const (
	defaultMaxRetries     = 3
	defaultHandlerTimeout = 30 * time.Second
	tracerName            = "github.com/overtonx/sagaflow/router"
)

// ErrDuplicate is returned by handlers for an event whose effect is already
// committed. The delivery is acknowledged.
var ErrDuplicate = errors.New("duplicate delivery")

// Delivery is an inbound message as the broker handed it over.
type Delivery struct {
	Queue       string
	MessageID   string
	Kind        events.Kind
	ContentType string
	Body        []byte
	Headers     map[string]string
	Redelivered bool
}

// RetryCount is the number of delayed redeliveries already made.
func (d Delivery) RetryCount() int {
	n, err := strconv.Atoi(d.Headers[embedded.HeaderRetryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type Action int

const (
	Ack Action = iota
	Retry
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// FailureClass explains why a delivery was not acknowledged.
type FailureClass string

const (
	ClassPoison            FailureClass = "poison"
	ClassIllegalTransition FailureClass = "illegal_transition"
	ClassTransient         FailureClass = "transient"
	ClassRetriesExhausted  FailureClass = "retries_exhausted"
)

// Decision is the outcome of routing one delivery.
type Decision struct {
	Action  Action
	Class   FailureClass
	Err     error
	// Delay is set for Retry.
	Delay   time.Duration
	// History is the failure history including this attempt.
	History []Failure
}

// Handler applies one decoded event.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error {
	return f(ctx, env)
}

// Registry collects handlers at startup. Build freezes it into a Router.
type Registry struct {
	handlers map[events.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[events.Kind]Handler)}
}

// Register binds h to kind. A second handler for the same kind panics.
func (r *Registry) Register(kind events.Kind, h Handler) *Registry {
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("router: duplicate handler for %s", kind))
	}
	r.handlers[kind] = h
	return r
}

func (r *Registry) RegisterFunc(kind events.Kind, fn func(ctx context.Context, env events.Envelope) error) *Registry {
	return r.Register(kind, HandlerFunc(fn))
}

// Build returns a Router over a copy of the registered handlers.
func (r *Registry) Build(opts ...Option) *Router {
	handlers := make(map[events.Kind]Handler, len(r.handlers))
	for k, h := range r.handlers {
		handlers[k] = h
	}
	rt := &Router{
		handlers:       handlers,
		backoff:        sagaflow.NewExponentialBackoffStrategy(time.Second, time.Minute),
		maxRetries:     defaultMaxRetries,
		handlerTimeout: defaultHandlerTimeout,
		logger:         zap.NewNop(),
		metrics:        sagaflow.NewNopMetricsCollector(),
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Router dispatches deliveries to handlers. It is immutable once built.
type Router struct {
	handlers       map[events.Kind]Handler
	backoff        *sagaflow.ExponentialBackoffStrategy
	maxRetries     int
	handlerTimeout time.Duration
	logger         *zap.Logger
	metrics        embedded.MetricsCollector
	tracer         trace.Tracer
	now            func() time.Time
}

// Kinds lists the kinds with a handler.
func (rt *Router) Kinds() []events.Kind {
	out := make([]events.Kind, 0, len(rt.handlers))
	for k := range rt.handlers {
		out = append(out, k)
	}
	return out
}

// RetryDelays lists the distinct delays Route can attach to a Retry
// decision, shortest first. Each needs its own delay queue.
func (rt *Router) RetryDelays() []time.Duration {
	var out []time.Duration
	for attempt := 0; attempt < rt.maxRetries; attempt++ {
		delay := rt.backoff.Delay(attempt)
		if n := len(out); n > 0 && out[n-1] == delay {
			continue
		}
		out = append(out, delay)
	}
	return out
}

// Route decodes d, runs its handler and classifies the result.
func (rt *Router) Route(ctx context.Context, d Delivery) Decision {
	ctx = sagaflow.ExtractTrace(ctx, d.Headers)
	ctx, span := rt.tracer.Start(ctx, "process "+string(d.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", d.Queue),
			attribute.String("messaging.message.id", d.MessageID),
			attribute.Int("messaging.retry_count", d.RetryCount()),
		),
	)
	defer span.End()

	start := time.Now()
	decision := rt.route(ctx, d)
	tags := map[string]string{"queue": d.Queue, "kind": string(d.Kind), "action": decision.Action.String()}
	rt.metrics.RecordDuration("router.handle.duration", time.Since(start), tags)
	rt.metrics.IncrementCounter("router.deliveries", tags)

	span.SetAttributes(attribute.String("sagaflow.decision", decision.Action.String()))
	if decision.Err != nil {
		span.RecordError(decision.Err)
		span.SetStatus(codes.Error, string(decision.Class))
	}
	return decision
}

func (rt *Router) route(ctx context.Context, d Delivery) Decision {
	logger := rt.logger.With(
		zap.String("queue", d.Queue),
		zap.String("message_id", d.MessageID),
		zap.String("event_type", string(d.Kind)),
	)

	handler, ok := rt.handlers[d.Kind]
	if !ok {
		err := &events.ValidationError{Kind: d.Kind, Reason: "no handler for event kind"}
		logger.Error("Dead-lettering delivery with unhandled kind")
		return rt.fail(d, ClassPoison, err)
	}
	if d.MessageID == "" {
		logger.Error("Dead-lettering delivery without message id")
		return rt.fail(d, ClassPoison, &events.ValidationError{Kind: d.Kind, Reason: "missing message id"})
	}

	payload, err := events.Decode(d.Kind, d.ContentType, d.Body)
	if err != nil {
		logger.Error("Dead-lettering undecodable delivery", zap.Error(err))
		return rt.fail(d, ClassPoison, err)
	}

	env := events.Envelope{
		CorrelationID: d.MessageID,
		CausationID:   d.Headers[embedded.HeaderCausationID],
		Kind:          d.Kind,
		AggregateType: d.Headers[embedded.HeaderAggregateType],
		AggregateID:   d.Headers[embedded.HeaderAggregateID],
		Payload:       payload,
	}

	hctx, cancel := context.WithTimeout(ctx, rt.handlerTimeout)
	defer cancel()
	err = handler.Handle(hctx, env)

	var illegal *saga.IllegalTransitionError
	switch {
	case err == nil:
		return Decision{Action: Ack}
	case errors.Is(err, ErrDuplicate):
		logger.Debug("Acknowledging duplicate delivery")
		return Decision{Action: Ack}
	case errors.As(err, &illegal):
		logger.Error("Dead-lettering illegal transition", zap.Error(err))
		return rt.fail(d, ClassIllegalTransition, err)
	case events.IsValidationError(err):
		logger.Error("Dead-lettering invalid event", zap.Error(err))
		return rt.fail(d, ClassPoison, err)
	}

	retries := d.RetryCount()
	if retries >= rt.maxRetries {
		logger.Error("Dead-lettering delivery after exhausting retries", zap.Int("retries", retries), zap.Error(err))
		return rt.fail(d, ClassRetriesExhausted, err)
	}

	decision := rt.fail(d, ClassTransient, err)
	decision.Action = Retry
	decision.Delay = rt.backoff.Delay(retries)
	logger.Warn("Retrying delivery",
		zap.Int("retries", retries),
		zap.Duration("delay", decision.Delay),
		zap.Bool("transient", sagaflow.IsTransient(err)),
		zap.Error(err),
	)
	return decision
}

func (rt *Router) fail(d Delivery, class FailureClass, err error) Decision {
	history := append(ParseHistory(d.Headers[embedded.HeaderFailures]), Failure{
		Attempt: d.RetryCount() + 1,
		Class:   class,
		Error:   err.Error(),
		At:      rt.now().UTC(),
	})
	return Decision{Action: DeadLetter, Class: class, Err: err, History: history}
}
