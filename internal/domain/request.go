package domain

import (
	"sync"
	"time"
)

// AgentRequest is one unit of work for the pool. The caller constructs it
// and hands ownership to the pool at submit time; from then on only the
// dispatcher and the invoker mutate its execution state, never concurrently.
type AgentRequest struct {
	ID        string
	Prompt    string
	History   []Message
	SessionID string
	Callback  func(*AgentRequest)
	CreatedAt time.Time

	// RetryDepth and SessionCleared are invoker-owned retry markers.
	RetryDepth     int
	SessionCleared bool

	done     chan struct{}
	doneOnce sync.Once
	result   Result
}

// NewAgentRequest creates a request ready for submission. The pool assigns
// the ID if left empty.
func NewAgentRequest(prompt string, history []Message, sessionID string) *AgentRequest {
	return &AgentRequest{
		Prompt:    prompt,
		History:   history,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Complete stores the result and fires the completion signal. Only the
// first call wins; later calls are ignored so a request cannot be
// completed twice by racing paths.
func (r *AgentRequest) Complete(res Result) {
	r.doneOnce.Do(func() {
		r.result = res
		close(r.done)
	})
}

// Wait blocks until the request completes or timeout elapses. It returns
// false on timeout; the underlying work keeps running either way.
func (r *AgentRequest) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-r.done
		return true
	}
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done exposes the completion signal for select-based callers.
func (r *AgentRequest) Done() <-chan struct{} { return r.done }

// Result returns the stored result. Valid only after completion.
func (r *AgentRequest) Result() Result { return r.result }
