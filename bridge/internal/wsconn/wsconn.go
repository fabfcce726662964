// Package wsconn holds the WebSocket plumbing shared by the gateway link and
// the browser-facing endpoint: ping/pong keepalive and serialized writes.
package wsconn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPingInterval is used when a caller passes a zero interval.
	DefaultPingInterval = 30 * time.Second
	// WriteWait bounds every write, including pings.
	WriteWait = 10 * time.Second
)

// StartKeepalive installs a read deadline and pong handler on conn and starts
// a goroutine sending pings every interval. The peer must answer within two
// intervals or the next read fails. mu must be the mutex guarding all writes
// to conn. The returned cancel func stops the pinger and may be called more
// than once.
func StartKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval time.Duration) (cancel func()) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	pongWait := 2 * interval

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// WriteJSON marshals v and writes it as a single text frame under mu.
func WriteJSON(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	return WriteText(conn, mu, data)
}

// WriteText writes data as a single text frame under mu.
func WriteText(conn *websocket.Conn, mu *sync.Mutex, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
