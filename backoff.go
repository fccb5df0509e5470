package sagaflow

import (
	"math"
	"time"
)

// BackoffStrategy decides when a failed publish is attempted again.
type BackoffStrategy interface {
	// NextAttempt returns the time of the next attempt, given the number of
	// attempts made so far.
	NextAttempt(now time.Time, attempts int) time.Time
}

// ExponentialBackoffStrategy waits base × 2^attempts, capped at maxDelay.
type ExponentialBackoffStrategy struct {
	base     time.Duration
	maxDelay time.Duration
}

func NewExponentialBackoffStrategy(base, maxDelay time.Duration) *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{base: base, maxDelay: maxDelay}
}

// DefaultBackoffStrategy returns the strategy used when none is configured.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoffStrategy(defaultBaseDelay, defaultMaxDelay)
}

func (s *ExponentialBackoffStrategy) NextAttempt(now time.Time, attempts int) time.Time {
	return now.Add(s.Delay(attempts))
}

// Delay is the wait before the attempt following the given count.
func (s *ExponentialBackoffStrategy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	factor := math.Pow(2, float64(attempts))
	delay := float64(s.base) * factor
	if delay > float64(s.maxDelay) || math.IsInf(delay, 0) {
		return s.maxDelay
	}
	return time.Duration(delay)
}

// FixedBackoffStrategy always waits the same amount.
type FixedBackoffStrategy struct {
	delay time.Duration
}

func NewFixedBackoffStrategy(delay time.Duration) *FixedBackoffStrategy {
	return &FixedBackoffStrategy{delay: delay}
}

func (s *FixedBackoffStrategy) NextAttempt(now time.Time, _ int) time.Time {
	return now.Add(s.delay)
}
