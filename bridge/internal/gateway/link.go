// Package gateway manages the bridge's single outbound WebSocket link to the
// agent gateway: handshake, request/response correlation and event fan-out.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentarena/arena/bridge/internal/wsconn"
	"github.com/agentarena/arena/pkg/protocol"
)

var (
	// ErrNotReady is returned by Request when the link has not completed the
	// handshake.
	ErrNotReady = errors.New("gateway link not ready")
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("gateway request timed out")
	// ErrLinkLost is returned for requests pending when the transport closed.
	ErrLinkLost = errors.New("gateway link lost")
)

// RequestError is a failed response reported by the gateway.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Options configures a Link.
type Options struct {
	URL             string
	Token           string
	ClientID        string
	DisplayName     string
	Version         string
	Platform        string
	ProtocolVersion int
	TLSSkipVerify   bool

	ReconnectDelay   time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method string
	done   chan result // buffered; receives exactly one value
	timer  *time.Timer
}

// Link is the shared connection to the gateway. It is created once per
// process and handed to every client router.
type Link struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex // guards state, conn, pending, protocol
	state    State
	conn     *websocket.Conn
	pending  map[string]*pendingRequest
	protocol int

	writeMu sync.Mutex
	nextID  atomic.Uint64

	subs *subscribers

	stateMu       sync.Mutex
	stateHandlers []func(State)
}

// New creates a Link. Call Run to start connecting.
func New(opts Options, logger *slog.Logger) *Link {
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = protocol.ProtocolVersion
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Link{
		opts:    opts,
		logger:  logger.With("component", "gateway-link"),
		pending: make(map[string]*pendingRequest),
		subs:    newSubscribers(logger.With("component", "gateway-link")),
	}
}

// OnStateChange registers fn to be called after every state transition. fn
// runs on the link's read goroutine and must not block.
func (l *Link) OnStateChange(fn func(State)) {
	l.stateMu.Lock()
	l.stateHandlers = append(l.stateHandlers, fn)
	l.stateMu.Unlock()
}

// State returns the current transport state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsReady reports whether requests can be sent.
func (l *Link) IsReady() bool {
	return l.State() == StateReady
}

// Protocol returns the protocol version negotiated by the last handshake.
func (l *Link) Protocol() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.protocol
}

// Subscribe registers fn for the named event, or for every event when event
// is Wildcard. The returned func removes the subscription; calling it again
// is a no-op.
func (l *Link) Subscribe(event string, fn Handler) (unsubscribe func()) {
	return l.subs.add(event, fn)
}

// Run connects to the gateway and keeps reconnecting after a fixed delay
// until ctx is canceled.
func (l *Link) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.connectOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("gateway connection ended", "error", err)
		}

		l.logger.Info("reconnecting", "delay", l.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.ReconnectDelay):
		}
	}
}

func (l *Link) connectOnce(ctx context.Context) error {
	l.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: l.opts.HandshakeTimeout}
	if l.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, l.opts.URL, nil)
	if err != nil {
		l.dropConnection(nil)
		return fmt.Errorf("dial gateway: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(StateAwaitingChallenge)
	l.logger.Info("connected to gateway, awaiting challenge", "url", l.opts.URL)

	stopKeepalive := wsconn.StartKeepalive(conn, &l.writeMu, l.opts.PingInterval)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		stopKeepalive()
		conn.Close()
		l.dropConnection(conn)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var frame protocol.GatewayFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			l.logger.Warn("invalid frame from gateway", "error", err)
			continue
		}
		l.handleFrame(conn, frame)
	}
}

func (l *Link) handleFrame(conn *websocket.Conn, frame protocol.GatewayFrame) {
	switch frame.Type {
	case protocol.FrameEvent:
		if frame.Event == protocol.EventConnectChallenge {
			l.answerChallenge(conn)
		}
		l.subs.dispatch(frame.Event, frame.Payload)

	case protocol.FrameResponse:
		if frame.ID == protocol.ConnectRequestID {
			l.handleConnectResponse(frame)
			return
		}
		r := result{payload: frame.Payload}
		if !frame.Succeeded() {
			r.err = responseError(frame.Error)
		}
		if !l.settle(frame.ID, r) {
			l.logger.Debug("dropping unmatched response", "request_id", frame.ID)
		}

	default:
		l.logger.Debug("ignoring gateway frame", "type", frame.Type)
	}
}

func responseError(e *protocol.GatewayError) error {
	if e == nil {
		return &RequestError{Message: "request failed"}
	}
	return &RequestError{Code: e.Code, Message: e.Message}
}

func (l *Link) answerChallenge(conn *websocket.Conn) {
	l.mu.Lock()
	if l.state != StateAwaitingChallenge || l.conn != conn {
		state := l.state
		l.mu.Unlock()
		l.logger.Debug("ignoring challenge", "state", state)
		return
	}
	l.mu.Unlock()

	params := protocol.ConnectParams{
		MinProtocol: l.opts.ProtocolVersion,
		MaxProtocol: l.opts.ProtocolVersion,
		Client: protocol.ClientIdent{
			ID:          l.opts.ClientID,
			DisplayName: l.opts.DisplayName,
			Version:     l.opts.Version,
			Platform:    l.opts.Platform,
			Mode:        "backend",
			InstanceID:  uuid.New().String(),
		},
		Role:   "operator",
		Scopes: []string{"operator.read", "operator.write"},
		Caps:   []string{"tool-events"},
		Auth:   protocol.ConnectAuth{Token: l.opts.Token},
	}

	l.setState(StateAuthenticating)
	err := l.write(conn, protocol.GatewayFrame{
		Type:   protocol.FrameRequest,
		ID:     protocol.ConnectRequestID,
		Method: protocol.MethodConnect,
		Params: params,
	})
	if err != nil {
		l.logger.Warn("send connect request failed", "error", err)
	}
}

func (l *Link) handleConnectResponse(frame protocol.GatewayFrame) {
	if l.State() != StateAuthenticating {
		l.logger.Debug("ignoring stray connect response")
		return
	}
	if !frame.Succeeded() {
		err := responseError(frame.Error)
		l.logger.Error("gateway rejected connect", "error", err)
		return
	}

	negotiated := l.opts.ProtocolVersion
	var hello protocol.HelloOK
	if len(frame.Payload) > 0 && json.Unmarshal(frame.Payload, &hello) == nil && hello.Protocol > 0 {
		negotiated = hello.Protocol
	}

	l.mu.Lock()
	l.protocol = negotiated
	l.mu.Unlock()
	l.setState(StateReady)
	l.logger.Info("gateway link ready", "protocol", negotiated)
}

// Request sends method with params and waits for the matching response. A
// zero timeout uses the configured default. Requests are never retried by
// the link.
func (l *Link) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = l.opts.RequestTimeout
	}

	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return nil, ErrNotReady
	}
	conn := l.conn
	id := strconv.FormatUint(l.nextID.Add(1), 10)
	p := &pendingRequest{method: method, done: make(chan result, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		l.settle(id, result{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)})
	})
	l.pending[id] = p
	l.mu.Unlock()

	err := l.write(conn, protocol.GatewayFrame{
		Type:   protocol.FrameRequest,
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		l.settle(id, result{err: fmt.Errorf("send %s: %w", method, err)})
	}

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-ctx.Done():
		l.settle(id, result{err: ctx.Err()})
		r := <-p.done
		return r.payload, r.err
	}
}

// settle delivers r to the pending request id and removes it. It reports
// false when id is unknown, which makes late or duplicate responses no-ops.
func (l *Link) settle(id string, r result) bool {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- r
	return true
}

// dropConnection fails every pending request with ErrLinkLost and moves to
// Disconnected in the same critical section. conn is the connection being
// torn down, or nil when the dial itself failed.
func (l *Link) dropConnection(conn *websocket.Conn) {
	l.mu.Lock()
	if conn != nil && l.conn != conn {
		l.mu.Unlock()
		return
	}
	failed := len(l.pending)
	for id, p := range l.pending {
		p.timer.Stop()
		p.done <- result{err: fmt.Errorf("%w: %s", ErrLinkLost, p.method)}
		delete(l.pending, id)
	}
	l.conn = nil
	prev := l.state
	l.state = StateDisconnected
	l.mu.Unlock()

	if failed > 0 {
		l.logger.Warn("failed pending requests on disconnect", "count", failed)
	}
	if prev != StateDisconnected {
		l.notifyState(StateDisconnected)
	}
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.logger.Debug("link state", "state", s)
	l.notifyState(s)
}

func (l *Link) notifyState(s State) {
	l.stateMu.Lock()
	handlers := slices.Clone(l.stateHandlers)
	l.stateMu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (l *Link) write(conn *websocket.Conn, frame protocol.GatewayFrame) error {
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wsconn.WriteJSON(conn, &l.writeMu, frame)
}

func (l *Link) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// SubscriberCount returns the number of live event subscriptions.
func (l *Link) SubscriberCount() int {
	return l.subs.count()
}
