// ABOUTME: Typed fan-out bus used to deliver agent notifications to editor-side consumers
// ABOUTME: Callback and buffered-channel subscribers; channel delivery never blocks the publisher

package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler is a callback function for events.
type Handler[T any] func(T)

type subscriber[T any] struct {
	fn Handler[T]
	ch chan T
}

// Bus is a typed event bus that delivers events to registered subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]subscriber[T]
	nextID int
	closed bool
	onDrop func()

	dropped atomic.Uint64
}

// New creates a new event bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[int]subscriber[T]),
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
// Handlers run on the publisher's goroutine and must not block.
func (b *Bus[T]) Subscribe(handler Handler[T]) func() {
	id, ok := b.add(subscriber[T]{fn: handler})
	if !ok {
		return func() {}
	}
	return func() { b.remove(id) }
}

// SubscribeChan registers a buffered channel subscriber. When the buffer is
// full the event is dropped for that subscriber and counted in Dropped. The
// channel is closed on unsubscribe or when the bus is closed.
func (b *Bus[T]) SubscribeChan(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	id, ok := b.add(subscriber[T]{ch: ch})
	if !ok {
		close(ch)
		return ch, func() {}
	}
	return ch, func() { b.remove(id) }
}

// OnDrop sets a callback run for every skipped channel delivery, on the
// publisher's goroutine. It must not block or publish.
func (b *Bus[T]) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

func (b *Bus[T]) add(s subscriber[T]) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, false
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	return id, true
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if s.ch != nil {
		close(s.ch)
	}
}

// Publish sends an event to all registered subscribers. Callbacks are
// called synchronously in arbitrary order.
func (b *Bus[T]) Publish(event T) {
	for _, h := range b.deliver(event) {
		h(event)
	}
}

// deliver performs the channel sends under the read lock, so remove cannot
// close a channel mid-send, and returns the callbacks to run unlocked.
func (b *Bus[T]) deliver(event T) []Handler[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	handlers := make([]Handler[T], 0, len(b.subs))
	for _, s := range b.subs {
		if s.ch == nil {
			handlers = append(handlers, s.fn)
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	return handlers
}

// Close removes every subscriber and closes channel subscriptions. Later
// publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		if s.ch != nil {
			close(s.ch)
		}
	}
}

// Count returns the number of registered subscribers.
func (b *Bus[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many channel deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}
