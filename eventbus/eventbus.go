// Package eventbus implements the typed topic pub/sub used to carry upload
// task lifecycle events from an UploadTask to the manager's
// plugins and any UI adapter. Handlers run synchronously, in registration
// order, and a panicking handler is isolated so it cannot prevent the next
// handler, or the caller, from proceeding.
package eventbus

import "sync"

// Handler receives an event payload. Handlers that also need the topic the
// event was emitted on should subscribe with Bus.OnAny instead.
type Handler func(payload interface{})

// AnyHandler receives the topic name alongside the payload; used for
// wildcard subscriptions.
type AnyHandler func(topic string, payload interface{})

type subscription struct {
	id      uint64
	handler Handler
}

type anySubscription struct {
	id      uint64
	handler AnyHandler
}

// Bus is a synchronous, in-process typed event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	topics  map[string][]subscription
	anySubs []anySubscription
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// On registers handler for topic and returns a token that Off can use to
// remove it.
func (b *Bus) On(topic string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	return id
}

// OnAny registers a wildcard handler that receives every event emitted on
// any topic, in addition to topic-specific subscribers.
func (b *Bus) OnAny(handler AnyHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.anySubs = append(b.anySubs, anySubscription{id: id, handler: handler})
	return id
}

// Off removes the subscription identified by id, whether registered via On
// or OnAny. It is a no-op if id is not found.
func (b *Bus) Off(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, s := range b.anySubs {
		if s.id == id {
			b.anySubs = append(b.anySubs[:i], b.anySubs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler subscribed to topic, then every wildcard
// handler, in registration order. Handlers run synchronously on the calling
// goroutine. A handler that panics is recovered and does not prevent
// subsequent handlers (or the caller) from running.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.topics[topic]...)
	anySubs := append([]anySubscription(nil), b.anySubs...)
	b.mu.Unlock()

	for _, s := range subs {
		invokeSafely(func() { s.handler(payload) })
	}
	for _, s := range anySubs {
		invokeSafely(func() { s.handler(topic, payload) })
	}
}

func invokeSafely(fn func()) {
	defer func() { recover() }()
	fn()
}
