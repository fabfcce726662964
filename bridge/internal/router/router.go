// Package router accepts browser WebSocket connections and gives each one a
// Session that maps its commands onto the shared gateway link.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentarena/arena/bridge/internal/eventbus"
	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/store"
	"github.com/agentarena/arena/bridge/internal/wsconn"
	"github.com/agentarena/arena/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64 // max WebSocket message size from clients
	MaxClients     int   // 0 = unlimited
	PingInterval   time.Duration
	OutboxSize     int // queued frames per client before it is dropped

	Scope           string
	HistoryLimit    int
	MaxHistoryLimit int
	RequestTimeout  time.Duration
}

// ClientInfo describes a connected client for the admin API.
type ClientInfo struct {
	ConnID      string            `json:"conn_id"`
	ClientID    string            `json:"client_id"`
	RemoteAddr  string            `json:"remote_addr"`
	ConnectedAt time.Time         `json:"connected_at"`
	Sessions    map[string]string `json:"sessions"`
}

// clientConn is one accepted browser connection.
type clientConn struct {
	id          string
	conn        *websocket.Conn
	out         *wsconn.Outbox
	session     *Session
	remoteAddr  string
	connectedAt time.Time
	logger      *slog.Logger

	writeMu sync.Mutex

	rateMu      sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

// Router owns every client connection.
type Router struct {
	link     Link
	packages packages.Store
	store    store.Store // optional
	bus      *eventbus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu      sync.RWMutex
	clients map[string]*clientConn
}

// New creates a Router. st may be nil, in which case nothing is audited.
func New(link Link, pkgs packages.Store, st store.Store, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = wsconn.DefaultPingInterval
	}
	return &Router{
		link:     link,
		packages: pkgs,
		store:    st,
		bus:      bus,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		clients:  make(map[string]*clientConn),
	}
}

// HandleClientWS upgrades a browser connection and serves it until it
// closes. The client gets a status frame immediately and again whenever the
// gateway link comes up or goes down.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(r.opts.MaxMessageSize)

	cc := &clientConn{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  req.RemoteAddr,
		connectedAt: time.Now(),
	}
	cc.logger = r.logger.With("conn_id", cc.id)
	cc.out = wsconn.NewOutbox(r.opts.OutboxSize, func(data []byte) error {
		return wsconn.WriteText(conn, &cc.writeMu, data)
	}, func(err error) {
		cc.logger.Warn("dropping client", "error", err)
		_ = conn.Close()
	})
	defer func() {
		_ = conn.Close() // unblocks a writer stuck on a dead peer
		cc.out.Close()
	}()

	cc.session = NewSession(SessionOptions{
		Link:            r.link,
		Packages:        r.packages,
		Send:            cc.send,
		Audit:           r.audit,
		Scope:           r.opts.Scope,
		HistoryLimit:    r.opts.HistoryLimit,
		MaxHistoryLimit: r.opts.MaxHistoryLimit,
		RequestTimeout:  r.opts.RequestTimeout,
		Logger:          cc.logger,
	})

	stopPing := wsconn.StartKeepalive(conn, &cc.writeMu, r.opts.PingInterval)
	defer stopPing()

	statusSub := r.bus.Subscribe(eventbus.LinkReady, eventbus.LinkDown)
	defer statusSub.Close()

	r.mu.Lock()
	if r.opts.MaxClients > 0 && len(r.clients) >= r.opts.MaxClients {
		r.mu.Unlock()
		r.logger.Warn("too many client connections", "limit", r.opts.MaxClients, "remote", cc.remoteAddr)
		cc.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		cc.writeMu.Unlock()
		return
	}
	r.clients[cc.id] = cc
	r.mu.Unlock()

	r.logger.Info("client connected", "conn_id", cc.id, "client_id", cc.session.ClientID(), "remote", cc.remoteAddr)
	r.bus.PublishType(eventbus.ClientConnected, map[string]string{"conn_id": cc.id, "remote": cc.remoteAddr})
	r.audit(store.AuditEvent{ID: uuid.New().String(), Action: store.ActionClientConnect, ClientID: cc.session.ClientID(), CreatedAt: time.Now().UTC()})

	defer func() {
		cc.session.Teardown()
		r.mu.Lock()
		delete(r.clients, cc.id)
		r.mu.Unlock()
		r.logger.Info("client disconnected", "conn_id", cc.id, "client_id", cc.session.ClientID())
		r.bus.PublishType(eventbus.ClientDisconnected, map[string]string{"conn_id": cc.id})
		r.audit(store.AuditEvent{ID: uuid.New().String(), Action: store.ActionClientDisconnect, ClientID: cc.session.ClientID(), CreatedAt: time.Now().UTC()})
	}()

	cc.send(protocol.NewStatus(r.link.IsReady()))
	go func() {
		for e := range statusSub.C {
			cc.send(protocol.NewStatus(e.Type == eventbus.LinkReady))
		}
	}()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			cc.logger.Debug("client read error", "error", err)
			return
		}

		if !cc.allowMessage() {
			cc.logger.Debug("client message rate limited")
			continue
		}

		cc.session.Handle(ctx, msg)
	}
}

// ClientCount returns the number of connected clients.
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients lists connected clients, oldest first.
func (r *Router) Clients() []ClientInfo {
	r.mu.RLock()
	conns := make([]*clientConn, 0, len(r.clients))
	for _, cc := range r.clients {
		conns = append(conns, cc)
	}
	r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(conns))
	for _, cc := range conns {
		out = append(out, ClientInfo{
			ConnID:      cc.id,
			ClientID:    cc.session.ClientID(),
			RemoteAddr:  cc.remoteAddr,
			ConnectedAt: cc.connectedAt,
			Sessions:    cc.session.Sessions(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *Router) audit(e store.AuditEvent) {
	if e.Action == store.ActionSessionHatch {
		r.bus.PublishType(eventbus.SessionOpened, map[string]string{
			"client_id":   e.ClientID,
			"agent_pkg":   e.AgentPkg,
			"session_key": e.SessionKey,
		})
	}
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.LogAuditEvent(ctx, &e); err != nil {
		r.logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

// send queues frame for the client's writer goroutine. It never blocks.
func (cc *clientConn) send(frame any) {
	cc.out.Send(frame)
}

func (cc *clientConn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	cc.rateMu.Lock()
	defer cc.rateMu.Unlock()

	if cc.msgLastTime.IsZero() {
		cc.msgTokens = burst
		cc.msgLastTime = now
	}

	elapsed := now.Sub(cc.msgLastTime).Seconds()
	cc.msgTokens += elapsed * rate
	if cc.msgTokens > burst {
		cc.msgTokens = burst
	}
	cc.msgLastTime = now

	if cc.msgTokens < 1 {
		return false
	}
	cc.msgTokens--
	return true
}
