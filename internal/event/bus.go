package event

import (
	"log"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler receives published events.
type Handler func(Event)

type sub struct {
	id      string
	handler Handler
}

// Bus delivers events synchronously to registered handlers. It carries no
// global state: every consumer receives a Bus explicitly, so tests and
// embedders can run several engines side by side without cross-talk.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]sub // event type (or "*") -> handlers
	nextID atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]sub)}
}

// Subscribe registers a handler for one event type. The returned ID
// identifies the subscription to Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], sub{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription. Returns false when the ID is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers an event, first to the type's own handlers, then to
// wildcard handlers, each group in registration order. Handlers run on the
// publisher's goroutine but outside the bus lock, so they may subscribe or
// unsubscribe. A panicking handler is logged and skipped; the rest still
// receive the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	ordered := make([]sub, 0, len(b.subs[event.EventType()])+len(b.subs["*"]))
	ordered = append(ordered, b.subs[event.EventType()]...)
	ordered = append(ordered, b.subs["*"]...)
	b.mu.RUnlock()

	for _, s := range ordered {
		deliver(s.handler, event)
	}
}

func deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: handler panicked on %s: %v\n%s",
				event.EventType(), r, debug.Stack())
		}
	}()
	handler(event)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]sub)
}

// SubscriptionCount returns how many subscriptions are registered.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}
