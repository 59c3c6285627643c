package domain

import (
	"fmt"
)

// Category sentinels — use with NewDomainError for component-specific errors.
var (
	ErrQueueFull          = fmt.Errorf("request queue full")
	ErrQueueTimeout       = fmt.Errorf("timed out waiting for an agent slot")
	ErrResourcesLow       = fmt.Errorf("insufficient system resources")
	ErrRateLimited        = fmt.Errorf("submission rate limit exceeded")
	ErrShutdown           = fmt.Errorf("pool is shut down")
	ErrTimeout            = fmt.Errorf("operation timed out")
	ErrCircuitOpen        = fmt.Errorf("circuit breaker open")
	ErrSourceUnavailable  = fmt.Errorf("knowledge source unavailable")
	ErrNoBackupCredential = fmt.Errorf("no backup credential available")
	ErrCredentialLoad     = fmt.Errorf("failed to load credential file")
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Pool.Submit")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
