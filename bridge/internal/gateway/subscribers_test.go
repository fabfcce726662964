package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSubscribers_OrderWildcardAndPanics(t *testing.T) {
	subs := newSubscribers(slog.Default())
	var calls []string

	subs.add("chat", func(event string, _ json.RawMessage) { calls = append(calls, "a:"+event) })
	subs.add(Wildcard, func(event string, _ json.RawMessage) { calls = append(calls, "w:"+event) })
	subs.add("chat", func(string, json.RawMessage) { panic("boom") })
	subs.add("chat", func(event string, _ json.RawMessage) { calls = append(calls, "c:"+event) })
	subs.add("agent", func(event string, _ json.RawMessage) { calls = append(calls, "agent:"+event) })

	subs.dispatch("chat", json.RawMessage(`{}`))
	if got := strings.Join(calls, ","); got != "a:chat,w:chat,c:chat" {
		t.Errorf("dispatch order = %s, want a:chat,w:chat,c:chat", got)
	}

	calls = nil
	subs.dispatch("tick", nil)
	if got := strings.Join(calls, ","); got != "w:tick" {
		t.Errorf("unmatched event reached %s, want only the wildcard", got)
	}
}

func TestSubscribers_WildcardFirstRunsFirst(t *testing.T) {
	subs := newSubscribers(slog.Default())
	var calls []string

	subs.add(Wildcard, func(string, json.RawMessage) { calls = append(calls, "wild") })
	subs.add("chat", func(string, json.RawMessage) { calls = append(calls, "chat") })
	unsub := subs.add(Wildcard, func(string, json.RawMessage) { calls = append(calls, "wild2") })
	subs.add("chat", func(string, json.RawMessage) { calls = append(calls, "chat2") })

	subs.dispatch("chat", nil)
	if got := strings.Join(calls, ","); got != "wild,chat,wild2,chat2" {
		t.Errorf("dispatch order = %s, want wild,chat,wild2,chat2", got)
	}

	unsub()
	calls = nil
	subs.dispatch("chat", nil)
	if got := strings.Join(calls, ","); got != "wild,chat,chat2" {
		t.Errorf("after unsubscribe = %s, want wild,chat,chat2", got)
	}
}

func TestSubscribers_UnsubscribeIdempotent(t *testing.T) {
	subs := newSubscribers(slog.Default())
	hits := 0

	unsubscribe := subs.add("chat", func(string, json.RawMessage) { hits++ })
	other := 0
	subs.add("chat", func(string, json.RawMessage) { other++ })

	unsubscribe()
	unsubscribe()
	unsubscribe()

	subs.dispatch("chat", nil)
	if hits != 0 {
		t.Errorf("removed handler ran %d times", hits)
	}
	if other != 1 {
		t.Errorf("surviving handler ran %d times, want 1", other)
	}
	if subs.count() != 1 {
		t.Errorf("count = %d, want 1", subs.count())
	}
}

func TestSubscribers_RemoveDuringDispatch(t *testing.T) {
	subs := newSubscribers(slog.Default())
	var second func()
	ran := false

	subs.add("chat", func(string, json.RawMessage) { second() })
	second = subs.add("chat", func(string, json.RawMessage) { ran = true })

	subs.dispatch("chat", nil)
	if ran {
		t.Error("handler removed earlier in the same dispatch still ran")
	}
	if subs.count() != 1 {
		t.Errorf("count = %d, want 1", subs.count())
	}
}

func TestSubscribers_EmptyEventKeysAreDropped(t *testing.T) {
	subs := newSubscribers(slog.Default())
	for i := 0; i < 100; i++ {
		unsubscribe := subs.add("chat", func(string, json.RawMessage) {})
		unsubscribe()
	}
	if len(subs.byEvent) != 0 {
		t.Errorf("byEvent retains %d keys after all unsubscribes", len(subs.byEvent))
	}
}
