package eventbus

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBus_FilteredSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	link := b.Subscribe(LinkReady, LinkDown)
	all := b.Subscribe()

	b.PublishType(ClientConnected, map[string]string{"client_id": "abc1"})
	b.PublishType(LinkReady, nil)

	if e := recv(t, link); e.Type != LinkReady {
		t.Errorf("filtered subscriber got %q, want %q", e.Type, LinkReady)
	}
	if e := recv(t, all); e.Type != ClientConnected {
		t.Errorf("first event = %q, want %q", e.Type, ClientConnected)
	}
	if e := recv(t, all); e.Type != LinkReady {
		t.Errorf("second event = %q, want %q", e.Type, LinkReady)
	}
}

func TestBus_CloseSubscriptionTwice(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel")
	}
	b.PublishType(LinkDown, nil) // must not panic on a removed subscriber
	b.Close()
	sub.Close()
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	b := New()
	b.Close()
	sub := b.Subscribe()
	if _, ok := <-sub.C; ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()
	b.Subscribe(LinkReady)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.PublishType(LinkReady, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRing_Snapshot(t *testing.T) {
	b := New()
	r := NewRing(b, 3, ClientConnected)

	for i := 0; i < 5; i++ {
		b.PublishType(ClientConnected, i)
	}
	b.PublishType(LinkReady, nil)
	b.Close()
	<-r.done

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"2", "3", "4"} {
		if string(got[i].Data) != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, got[i].Data, want)
		}
	}
}

func TestSlogHandler_PublishesAboveLevel(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe(LogEntry)

	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewSlogHandler(inner, b, slog.LevelWarn)).With("component", "router")

	logger.Info("quiet")
	logger.Warn("client throttled", "client_id", "abc1")

	e := recv(t, sub)
	var entry map[string]any
	if err := json.Unmarshal(e.Data, &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "client throttled" || entry["component"] != "router" || entry["client_id"] != "abc1" {
		t.Errorf("entry = %v", entry)
	}
	select {
	case extra := <-sub.C:
		t.Errorf("unexpected extra entry %s", extra.Data)
	default:
	}
	if !bytes.Contains(buf.Bytes(), []byte("quiet")) {
		t.Error("inner handler should still receive info records")
	}
}
