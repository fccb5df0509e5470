package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
)

// BreakerSettings configures the circuit around a publisher.
type BreakerSettings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerPublisher stops hammering a broker that keeps failing. While the
// circuit is open Publish returns ErrPublisherUnavailable without sending,
// which lets the relay end its cycle without burning attempts.
type BreakerPublisher struct {
	next    embedded.Publisher
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics embedded.MetricsCollector
}

var _ embedded.Publisher = (*BreakerPublisher)(nil)

func NewBreakerPublisher(next embedded.Publisher, settings BreakerSettings, logger *zap.Logger, metrics embedded.MetricsCollector) *BreakerPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	p := &BreakerPublisher{next: next, logger: logger, metrics: metrics}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Publisher circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			p.metrics.IncrementCounter("outbox.publisher.circuit_state", map[string]string{"state": to.String()})
		},
	})
	return p
}

func (p *BreakerPublisher) Publish(ctx context.Context, msg embedded.Message) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}
	return err
}

// State exposes the circuit state for health reporting.
func (p *BreakerPublisher) State() string {
	return p.breaker.State().String()
}

func (p *BreakerPublisher) Close() error {
	return p.next.Close()
}
