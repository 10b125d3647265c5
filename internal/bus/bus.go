// Package bus carries the canonical message types and the broadcast hub
// that fans events out to live subscribers.
package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 100

// Subscription is one consumer side of the broadcast hub. Events arrive
// on C. A subscriber that falls behind drops its oldest buffered events;
// Gap reports how many were dropped since the last call.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Int64
}

// Gap returns the number of events dropped since the previous call and
// resets the counter.
func (s *Subscription) Gap() int64 {
	return s.dropped.Swap(0)
}

// MessageBus is a best-effort broadcast hub: one producer side shared by
// all pipelines, one bounded buffer per subscriber. Publishers never
// block on slow consumers.
type MessageBus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int
}

// New creates a MessageBus with the default per-subscriber buffer.
func New() *MessageBus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a MessageBus with a custom buffer size.
func NewWithBuffer(size int) *MessageBus {
	if size < 1 {
		size = 1
	}
	return &MessageBus{
		subs:    make(map[string]*Subscription),
		bufSize: size,
	}
}

// Subscribe registers a consumer. An existing subscription under the
// same id is replaced.
func (b *MessageBus) Subscribe(id string) *Subscription {
	ch := make(chan Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}
	b.subs[id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Broadcast delivers an event to every subscriber. When a subscriber's
// buffer is full the oldest buffered event is discarded to make room and
// the subscriber's gap counter is incremented.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Buffer full: drop oldest, then retry once. A concurrent
		// reader may have drained the channel in between, so the
		// second send can still succeed without a drop.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}
