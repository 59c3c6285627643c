package domain

import "context"

// KnowledgeSource supplies one band of context for an invocation. Sources
// are individually unreliable: Lookup may time out, fail, or be
// short-circuited by a circuit breaker, and the context builder degrades
// rather than aborting.
type KnowledgeSource interface {
	// Name identifies the source in degradation notices and metrics.
	Name() string
	// Lookup returns formatted context text relevant to the query.
	// An empty string with nil error means the source had nothing to add.
	Lookup(ctx context.Context, query string) (string, error)
}
