package bus

import (
	"sort"
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Subscribers registered earlier receive each event before later ones.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	id        int
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind, in subscription order. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	ordered := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			ordered = append(ordered, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })
	for _, sub := range ordered {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel that receives events matching the given
// namespace prefix. bufSize controls the channel buffer. Returns the channel
// and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{id: id, namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
