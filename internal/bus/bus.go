// Package bus is the in-process change feed over message inserts and
// read-state updates. Delivery is at-least-once with no ordering guarantee:
// a subscriber that falls behind gets its events redelivered out of band,
// and duplicates are possible. Consumers dedupe by message id.
package bus

import (
	"sync"

	"marketplace-chat/internal/models"
)

const defaultBuffer = 64

// Bus fans change-feed events out to all active subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. The caller owns the returned
// handle and must Close it on teardown; a leaked handle keeps its delivery
// queue alive for the lifetime of the bus.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		ch:     make(chan models.Event, defaultBuffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every subscription. A full queue never
// drops the event: delivery falls back to a goroutine that waits for room,
// which is why subscribers cannot rely on arrival order.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			go sub.deliver(ev)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is an explicit handle on the change feed. It is owned by
// exactly one consumer and released deterministically via Close.
type Subscription struct {
	bus    *Bus
	ch     chan models.Event
	closed chan struct{}
	once   sync.Once
}

// C is the event delivery channel.
func (s *Subscription) C() <-chan models.Event {
	return s.ch
}

// Close releases the subscription. Safe to call more than once; pending
// events are discarded.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.closed)
	})
}

func (s *Subscription) deliver(ev models.Event) {
	select {
	case s.ch <- ev:
	case <-s.closed:
	}
}
