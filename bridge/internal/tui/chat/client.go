// Package chat is a terminal client for the bridge's browser WebSocket. It
// speaks the same identify/hatch/chat/history commands as the web UI.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentarena/arena/bridge/internal/wsconn"
	"github.com/agentarena/arena/pkg/protocol"
)

// Client is one WebSocket connection to a bridge.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan any

	mu  sync.Mutex
	err error
}

// Dial connects to the bridge endpoint at url (ws://host/ws) and starts
// reading frames.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	c := &Client{conn: conn, frames: make(chan any, 64)}
	go c.readLoop()
	return c, nil
}

// Frames yields decoded bridge frames. It is closed when the connection
// ends; Err then reports why.
func (c *Client) Frames() <-chan any { return c.frames }

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one command.
func (c *Client) Send(cmd protocol.ClientCommand) error {
	return wsconn.WriteJSON(c.conn, &c.writeMu, cmd)
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		c.frames <- frame
	}
}
