package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStartKeepalive_PingsPeer(t *testing.T) {
	pinged := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	cancel := StartKeepalive(conn, &mu, 20*time.Millisecond)
	defer cancel()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a ping")
	}

	cancel()
	cancel() // second call must not panic
}

func TestWriteJSON(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err == nil {
			got <- string(msg)
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	if err := WriteJSON(conn, &mu, map[string]bool{"connected": true}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `{"connected":true}` {
			t.Errorf("frame = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}
