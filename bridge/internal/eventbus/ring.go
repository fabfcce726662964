package eventbus

import "sync"

// Ring keeps the most recent events of the subscribed types. It backs the
// admin log and activity views.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	done   chan struct{}
}

// NewRing subscribes to types on bus and retains the last size events. The
// ring stops collecting when the bus closes.
func NewRing(bus *Bus, size int, types ...string) *Ring {
	if size <= 0 {
		size = 100
	}
	r := &Ring{events: make([]Event, size), done: make(chan struct{})}
	sub := bus.Subscribe(types...)
	go func() {
		defer close(r.done)
		for e := range sub.C {
			r.add(e)
		}
	}()
	return r
}

func (r *Ring) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}
