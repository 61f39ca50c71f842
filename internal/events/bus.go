package events

import (
	"sync"
	"time"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Message
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. Subscribing to EventAll receives every topic.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers asynchronously to avoid
// blocking. Delivery is fire-and-forget: the publisher never learns whether
// anyone was listening.
func (b *Bus) Publish(e Event, userID string, payload any) {
	msg := Message{Type: e, UserID: userID, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- msg:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
	if e == EventAll {
		return
	}
	for _, ch := range b.subs[EventAll] {
		select {
		case ch <- msg:
		default:
		}
	}
}
