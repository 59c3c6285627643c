// Package eventbus provides the in-process pub/sub channel for request
// lifecycle, credential swap, and breaker transition events. Handlers run
// on their own goroutines so a slow subscriber can never stall the
// dispatcher.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"overseer/internal/domain"
)

// matchAll is the subscription key for handlers that want every event.
const matchAll = domain.EventType("*")

type handlerRef struct {
	id uint64
	fn domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]handlerRef
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[domain.EventType][]handlerRef),
		logger:   logger,
	}
}

// Publish fans out an event to subscribers of its type and to all-event
// subscribers. Each handler is invoked in its own goroutine; panicking
// handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	refs := make([]handlerRef, 0, len(b.handlers[event.Type])+len(b.handlers[matchAll]))
	refs = append(refs, b.handlers[event.Type]...)
	refs = append(refs, b.handlers[matchAll]...)
	b.mu.RUnlock()

	b.logger.Debug("event published",
		"event", string(event.Type),
		"request_id", event.RequestID,
		"handlers", len(refs),
	)

	for _, ref := range refs {
		b.wg.Add(1)
		go b.deliver(ctx, event, ref)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, ref handlerRef) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"request_id", event.RequestID,
				"panic", r,
			)
		}
	}()
	ref.fn(ctx, event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(matchAll, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], handlerRef{id: id, fn: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		refs := b.handlers[key]
		for i, ref := range refs {
			if ref.id == id {
				b.handlers[key] = append(refs[:i], refs[i+1:]...)
				return
			}
		}
	}
}

// Close stops accepting publishes and waits for in-flight handlers.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
