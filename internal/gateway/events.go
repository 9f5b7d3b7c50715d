// ABOUTME: In-process event bus for gateway lifecycle events.
// ABOUTME: Ordered synchronous dispatch per event name, panic-safe handlers.

package gateway

import (
	"log/slog"
	"sync"
)

// Lifecycle event names emitted on the bus.
const (
	EventSessionMessage     = "session:message"
	EventSessionClosed      = "session:closed"
	EventSessionReset       = "session:reset"
	EventPluginRemoved      = "plugin:removed"
	EventClientConnected    = "client:connected"
	EventClientDisconnected = "client:disconnected"
)

// BusEvent is one lifecycle event dispatched to bus listeners.
type BusEvent struct {
	Name      string
	SessionID string
	ClientID  string
	Data      map[string]any
}

// Listener observes bus events. Listeners run synchronously on the emitting
// goroutine; a panicking listener is logged and does not stop dispatch.
type Listener func(ev BusEvent)

// Subscription identifies one listener registration for removal.
type Subscription struct {
	event string
	id    uint64
}

type busEntry struct {
	id uint64
	fn Listener
}

// EventBus holds one ordered listener list per event name.
type EventBus struct {
	mu        sync.Mutex
	listeners map[string][]busEntry
	nextID    uint64
	logger    *slog.Logger
}

// NewEventBus creates an empty bus. Pass nil logger for the default.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		listeners: make(map[string][]busEntry),
		logger:    logger.With("component", "event-bus"),
	}
}

// On registers fn for the named event. Listeners fire in registration order.
func (b *EventBus) On(event string, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[event] = append(b.listeners[event], busEntry{id: b.nextID, fn: fn})
	return &Subscription{event: event, id: b.nextID}
}

// Off removes the registration identified by sub. Unknown subscriptions are
// a no-op.
func (b *EventBus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			b.listeners[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit dispatches ev to every listener of ev.Name, in order. Dispatch is
// synchronous; the listener list is snapshotted so handlers may register or
// remove listeners without deadlocking.
func (b *EventBus) Emit(ev BusEvent) {
	b.mu.Lock()
	entries := make([]busEntry, len(b.listeners[ev.Name]))
	copy(entries, b.listeners[ev.Name])
	b.mu.Unlock()

	for _, e := range entries {
		b.dispatch(e, ev)
	}
}

func (b *EventBus) dispatch(e busEntry, ev BusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", ev.Name, "panic", r)
		}
	}()
	e.fn(ev)
}
