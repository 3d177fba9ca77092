package events

import (
	"sync"
)

// Bus fans events out to subscriptions. Each subscription receives events in
// publish order; Publish blocks on a full subscription until it is drained
// or closed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]*Subscription{}}
}

// Subscription is a handle on a stream of events. Close releases it; it is
// safe to call more than once.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	id   uint64
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a subscription with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, bus: b, id: b.nextID, ch: ch, done: make(chan struct{})}
	b.subs[s.id] = s
	return s
}

// Publish delivers e to every open subscription.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}
