package router

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
)

type Option func(*Router)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *Router) {
		rt.logger = logger
	}
}

// WithMetrics sets the metrics collector. Default is a no-op collector.
func WithMetrics(metrics embedded.MetricsCollector) Option {
	return func(rt *Router) {
		rt.metrics = metrics
	}
}

// WithMaxRetries bounds delayed redeliveries of a transient failure.
func WithMaxRetries(n int) Option {
	return func(rt *Router) {
		if n >= 0 {
			rt.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the delay curve between redeliveries.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(rt *Router) {
		if base > 0 && maxDelay >= base {
			rt.backoff = sagaflow.NewExponentialBackoffStrategy(base, maxDelay)
		}
	}
}

// WithHandlerTimeout bounds one handler call.
func WithHandlerTimeout(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.handlerTimeout = d
		}
	}
}

// WithTracerProvider sets where consumer spans are started.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(rt *Router) {
		rt.tracer = tp.Tracer(tracerName)
	}
}

// WithNow sets the clock stamping failure history.
func WithNow(now func() time.Time) Option {
	return func(rt *Router) {
		rt.now = now
	}
}
