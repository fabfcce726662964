package gateway

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Handler receives one gateway event. Handlers run synchronously on the
// link's read goroutine, in the order they subscribed, with exact-name and
// Wildcard subscriptions interleaved by that order.
type Handler func(event string, payload json.RawMessage)

type subscription struct {
	seq    uint64
	event  string
	fn     Handler
	active atomic.Bool
}

type subscribers struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextSeq uint64
	byEvent map[string][]*subscription
}

func newSubscribers(logger *slog.Logger) *subscribers {
	return &subscribers{
		logger:  logger,
		byEvent: make(map[string][]*subscription),
	}
}

func (s *subscribers) add(event string, fn Handler) func() {
	sub := &subscription{event: event, fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	s.nextSeq++
	sub.seq = s.nextSeq
	s.byEvent[event] = append(s.byEvent[event], sub)
	s.mu.Unlock()

	return func() { s.remove(sub) }
}

func (s *subscribers) remove(sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byEvent[sub.event]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byEvent, sub.event)
	} else {
		s.byEvent[sub.event] = list
	}
}

// dispatch delivers an event to its exact-name and wildcard subscribers in
// subscription order. A subscription removed during dispatch is skipped.
func (s *subscribers) dispatch(event string, payload json.RawMessage) {
	s.mu.Lock()
	var targets []*subscription
	if event == Wildcard {
		targets = slices.Clone(s.byEvent[Wildcard])
	} else {
		targets = mergeBySeq(s.byEvent[event], s.byEvent[Wildcard])
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		s.invoke(sub, event, payload)
	}
}

// mergeBySeq merges two lists already sorted by seq.
func mergeBySeq(a, b []*subscription) []*subscription {
	out := make([]*subscription, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0].seq < b[0].seq {
			out, a = append(out, a[0]), a[1:]
		} else {
			out, b = append(out, b[0]), b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func (s *subscribers) invoke(sub *subscription, event string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	sub.fn(event, payload)
}

// count returns the number of live subscriptions across all events.
func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.byEvent {
		n += len(list)
	}
	return n
}
