package memory

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/resilience"
)

// Guarded wraps a KnowledgeSource with its dependency's circuit breaker.
// While the circuit is open, lookups short-circuit with
// domain.ErrCircuitOpen and the wrapped source is never called, so the
// context builder records the source as failed without paying its
// timeout.
type Guarded struct {
	inner   domain.KnowledgeSource
	breaker *resilience.Breaker[string]
}

var _ domain.KnowledgeSource = (*Guarded)(nil)

// NewGuarded wraps inner with breaker.
func NewGuarded(inner domain.KnowledgeSource, breaker *resilience.Breaker[string]) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Lookup(ctx context.Context, query string) (string, error) {
	return g.breaker.Call(func() (string, error) {
		return g.inner.Lookup(ctx, query)
	}, "")
}

// BreakerState exposes the underlying breaker state for status reporting.
func (g *Guarded) BreakerState() string { return g.breaker.State() }
