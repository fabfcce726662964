// Package eventbus is the bridge's in-process fan-out for lifecycle events:
// gateway link transitions, client connections and log records.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	LinkReady          = "link.ready"
	LinkDown           = "link.down"
	LinkReconnecting   = "link.reconnecting"
	ClientConnected    = "client.connected"
	ClientDisconnected = "client.disconnected"
	SessionOpened      = "session.opened"
	LogEntry           = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscription receives matching events on C until Close is called or the
// bus is closed.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Close removes the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s.ch) })
}

// Bus fans events out to subscribers over buffered channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]bool // nil filter = all events
	closed bool
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a subscription for the given event types, or for every
// event when none are given.
func (b *Bus) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, 32)
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = filter
	}
	b.mu.Unlock()

	return &Subscription{C: ch, ch: ch, bus: b}
}

func (b *Bus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishType marshals data and publishes it under eventType.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: raw})
}

// Close closes every subscription. Later subscriptions are born closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
