package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"overseer/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 3
	defaultCooldown    time.Duration = 60 * time.Second
)

// Breaker state names. gobreaker spells half-open with a dash; status
// consumers expect the snake_case form.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker protects calls to one unreliable external dependency. After
// maxFailures consecutive failures the circuit opens and calls
// short-circuit to the caller-supplied fallback; after the cooldown one
// probe call runs for real and decides the next state.
//
// Each protected dependency gets its own Breaker so an outage in one
// source cannot starve unrelated sources.
type Breaker[T any] struct {
	name        string
	maxFailures uint32
	cooldown    time.Duration
	logger      *slog.Logger
	notify      func(name, from, to string)

	mu sync.Mutex
	cb *gobreaker.CircuitBreaker[T]
}

// NewBreaker creates a breaker. Zero values select the defaults.
func NewBreaker[T any](name string, maxFailures uint32, cooldown time.Duration, logger *slog.Logger) *Breaker[T] {
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	b := &Breaker[T]{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker[T]) newCircuit() *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // a single probe in half-open state
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", stateName(from),
				"to", stateName(to),
			)
			if b.notify != nil {
				b.notify(name, stateName(from), stateName(to))
			}
		},
	})
}

// OnTransition registers an observer for state changes, invoked after the
// transition is logged. Set it during wiring, before the first Call.
func (b *Breaker[T]) OnTransition(fn func(name, from, to string)) {
	b.notify = fn
}

// Call executes fn through the breaker. When the circuit is open the
// fallback value is returned together with domain.ErrCircuitOpen and fn is
// never executed. When fn itself fails, the fallback value is returned
// alongside fn's error.
func (b *Breaker[T]) Call(fn func() (T, error), fallback T) (T, error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	v, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fallback, fmt.Errorf("breaker %q: %w", b.name, domain.ErrCircuitOpen)
		}
		return fallback, err
	}
	return v, nil
}

// State returns the current state name: closed, open, or half_open.
func (b *Breaker[T]) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stateName(b.cb.State())
}

// Name returns the breaker's dependency name.
func (b *Breaker[T]) Name() string { return b.name }

// Reset is the administrative reset: it discards all failure history and
// closes the circuit immediately. There is no other mid-cooldown escape.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	b.cb = b.newCircuit()
	b.mu.Unlock()
	b.logger.Info("circuit breaker reset", "breaker", b.name)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
