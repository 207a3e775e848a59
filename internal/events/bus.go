package events

import (
	"sync"
	"time"
)

// Handler processes a single event. Handlers must not block:
// slow consumers should hand off to their own goroutine or channel.
type Handler func(Event)

// Bus fans events out to subscribed handlers.
// Emit is safe for concurrent use from any goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns an ID for Unsubscribe.
func (b *Bus) Subscribe(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return id
}

// Unsubscribe removes a previously registered handler.
// Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Emit stamps the event time and delivers it to every handler.
// Delivery is synchronous in the caller's goroutine; handlers that
// may block must buffer internally. Emit after Close is a no-op.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, h := range b.handlers {
		h(e)
	}
}

// Close stops delivery. Subscribed handlers are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}
