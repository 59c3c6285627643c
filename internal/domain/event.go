package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRequestQueued     EventType = "request.queued"
	EventRequestStarted    EventType = "request.started"
	EventRequestCompleted  EventType = "request.completed"
	EventRequestFailed     EventType = "request.failed"
	EventCredentialSwapped EventType = "credential.swapped"
	EventBreakerState      EventType = "breaker.state"
)

// Event is an immutable record published on the in-process bus. The
// fields beyond Type and Timestamp are populated per event family:
// request lifecycle events carry RequestID and, once settled, the result
// Kind; credential swaps carry the promoted backup's Label; breaker
// transitions carry the breaker name and the From/To states.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID string     `json:"request_id,omitempty"`
	Kind      ResultKind `json:"kind,omitempty"`

	Label string `json:"label,omitempty"`

	Breaker string `json:"breaker,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// NewRequestEvent builds a request lifecycle event. Kind is empty for
// queued/started events and carries the terminal outcome for
// completed/failed events.
func NewRequestEvent(t EventType, requestID string, kind ResultKind) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), RequestID: requestID, Kind: kind}
}

// NewCredentialSwapEvent records a quota-driven promotion of the backup
// credential named by label.
func NewCredentialSwapEvent(label string) Event {
	return Event{Type: EventCredentialSwapped, Timestamp: time.Now().UTC(), Label: label}
}

// NewBreakerEvent records a circuit breaker state transition.
func NewBreakerEvent(breaker, from, to string) Event {
	return Event{Type: EventBreakerState, Timestamp: time.Now().UTC(), Breaker: breaker, From: from, To: to}
}

// EventHandler consumes published events. Handlers run on their own
// goroutines and must be safe for concurrent use.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the publishing side used by core components. The concrete
// bus lives in usecase/eventbus; components accept the interface so tests
// can record events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
