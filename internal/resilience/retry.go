package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Default retry settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultFactor     = 2.0
)

// Delay computes the exponential backoff delay for a 0-indexed attempt:
// base*factor^attempt capped at max. With jitter the result is multiplied
// by a uniform random factor in [0.5, 1.0) so synchronized callers spread
// their retries.
func Delay(attempt int, base, max time.Duration, factor float64, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if d >= float64(max) {
			break
		}
	}
	if d > float64(max) {
		d = float64(max)
	}
	if jitter {
		d *= 0.5 + rand.Float64()/2
	}
	return time.Duration(d)
}

// Policy configures Do and WithFallback.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	Jitter     bool
	// Retryable decides whether an error is worth another attempt.
	// nil retries every error.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Factor <= 0 {
		p.Factor = DefaultFactor
	}
	return p
}

// Do runs fn up to MaxRetries+1 times, sleeping the backoff delay between
// attempts. Non-retryable errors and context cancellation end the loop
// immediately; after exhaustion the last error is returned.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := Delay(attempt, p.BaseDelay, p.MaxDelay, p.Factor, p.Jitter)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("all %d retries failed: %w", p.MaxRetries, lastErr)
}

// WithFallback runs primary and, when it fails with an error accepted by
// match (nil matches every error), runs fallback instead.
func WithFallback[T any](primary, fallback func() (T, error), match func(error) bool) (T, error) {
	v, err := primary()
	if err == nil {
		return v, nil
	}
	if match != nil && !match(err) {
		var zero T
		return zero, err
	}
	return fallback()
}
