package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentarena/arena/bridge/internal/gateway"
	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/store"
	"github.com/agentarena/arena/pkg/protocol"
)

// Link is the part of the gateway link a session router uses.
type Link interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Subscribe(event string, fn gateway.Handler) (unsubscribe func())
	IsReady() bool
}

// ErrKeyNotOwned is returned when a client names a session key built for a
// different client or package.
var ErrKeyNotOwned = errors.New("session key not owned by this client")

// ErrInvalidClientID is reported when identify carries an id that does not
// match [A-Za-z0-9_-]{1,64}.
var ErrInvalidClientID = errors.New("client id must be 1-64 letters, digits, underscores or dashes")

// SessionOptions configures a Session.
type SessionOptions struct {
	Link     Link
	Packages packages.Store
	// Send delivers a frame to the browser. It is called from the link's
	// read goroutine as well as the client's, so it must be safe for
	// concurrent use and must not block.
	Send func(frame any)
	// Audit records client activity. Optional.
	Audit func(e store.AuditEvent)

	Scope           string
	HistoryLimit    int
	MaxHistoryLimit int
	RequestTimeout  time.Duration
	Logger          *slog.Logger
}

// Session routes one browser client's commands to the gateway and the
// gateway's events for that client's sessions back to the browser.
type Session struct {
	opts   SessionOptions
	logger *slog.Logger

	mu       sync.Mutex
	clientID string
	sessions map[string]string   // agent package → session key
	subs     map[string][]func() // session key → unsubscribe funcs
	closed   bool
}

// NewSession creates a router for one client with a freshly generated id.
func NewSession(opts SessionOptions) *Session {
	if opts.Scope == "" {
		opts.Scope = "arena"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.MaxHistoryLimit < opts.HistoryLimit {
		opts.MaxHistoryLimit = opts.HistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:     opts,
		logger:   opts.Logger,
		clientID: NewClientID(),
		sessions: make(map[string]string),
		subs:     make(map[string][]func()),
	}
}

// ClientID returns the current client id.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SessionKeyFor returns the tracked session key for pkg, if any.
func (s *Session) SessionKeyFor(pkg string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessions[pkg]
	return key, ok
}

// Sessions returns a copy of the package → session key map.
func (s *Session) Sessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sessions))
	for pkg, key := range s.sessions {
		out[pkg] = key
	}
	return out
}

// Handle decodes and executes one raw client frame. Malformed frames are
// logged and dropped.
func (s *Session) Handle(ctx context.Context, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		s.logger.Warn("dropping client frame", "client_id", s.ClientID(), "error", err)
		return
	}

	switch cmd.Type {
	case protocol.CmdIdentify:
		s.Identify(cmd.ClientID)
	case protocol.CmdHatch:
		_ = s.OpenSession(ctx, cmd.AgentPkg)
	case protocol.CmdChat:
		_ = s.SendMessage(ctx, cmd.AgentPkg, cmd.Message, cmd.SessionKey)
	case protocol.CmdHistory:
		_ = s.FetchHistory(ctx, cmd.AgentPkg, cmd.SessionKey, cmd.Limit)
	}
}

// Identify adopts a client-supplied id. Empty ids keep the current one.
// Malformed ids keep it too and the client gets an error frame. The last
// accepted value wins.
func (s *Session) Identify(id string) string {
	s.mu.Lock()
	current := s.clientID
	switch {
	case id == "" || id == current:
	case !ValidClientID(id):
		s.mu.Unlock()
		s.logger.Warn("ignoring malformed client id", "client_id", current, "supplied", id)
		s.opts.Send(protocol.NewError("identify failed: " + ErrInvalidClientID.Error()))
		return current
	default:
		s.logger.Debug("client identified", "previous", current, "client_id", id)
		s.clientID = id
		current = id
	}
	s.mu.Unlock()
	return current
}

// OpenSession boots agent package pkg in a new gateway session and confirms
// it to the client with a hatch-ok frame.
func (s *Session) OpenSession(ctx context.Context, pkg string) error {
	clientID := s.ClientID()

	bundle, err := s.opts.Packages.Lookup(pkg)
	if err != nil {
		s.audit(store.ActionSessionHatchFail, clientID, pkg, "", err)
		return s.fail("hatch", err)
	}

	key := SessionKey(AgentID(bundle.Manifest, pkg), s.opts.Scope, pkg, clientID)
	created := s.ensureSubscribed(key, pkg)

	_, err = s.opts.Link.Request(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     key,
		Message:        bundle.BootMessage(),
		IdempotencyKey: uuid.New().String(),
	}, s.opts.RequestTimeout)
	if err != nil {
		if created {
			s.release(key)
		}
		s.audit(store.ActionSessionHatchFail, clientID, pkg, key, err)
		return s.fail("hatch", err)
	}

	s.mu.Lock()
	s.sessions[pkg] = key
	s.mu.Unlock()

	s.logger.Info("session opened", "client_id", clientID, "agent_pkg", pkg, "session_key", key)
	s.audit(store.ActionSessionHatch, clientID, pkg, key, nil)
	s.opts.Send(protocol.HatchOKFrame{
		Type:       protocol.TypeHatchOK,
		AgentPkg:   pkg,
		SessionKey: key,
		Agent:      bundle.Manifest,
	})
	return nil
}

// SendMessage sends text into the session for pkg. Replies arrive later as
// chat events.
func (s *Session) SendMessage(ctx context.Context, pkg, text, suppliedKey string) error {
	if text == "" {
		return s.fail("send", errors.New("empty message"))
	}

	key, tracked := s.SessionKeyFor(pkg)
	if !tracked {
		var err error
		if key, err = s.resolveKey(pkg, suppliedKey, true); err != nil {
			return s.fail("send", err)
		}
	}
	created := s.ensureSubscribed(key, pkg)

	_, err := s.opts.Link.Request(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     key,
		Message:        text,
		IdempotencyKey: uuid.New().String(),
	}, s.opts.RequestTimeout)
	if err != nil {
		if created && !tracked {
			s.release(key)
		}
		return s.fail("send", err)
	}

	if !tracked {
		s.mu.Lock()
		if _, ok := s.sessions[pkg]; !ok {
			s.sessions[pkg] = key
		}
		s.mu.Unlock()
	}
	return nil
}

// FetchHistory sends the gateway's transcript for pkg's session. Without a
// known session the client gets an empty history.
func (s *Session) FetchHistory(ctx context.Context, pkg, suppliedKey string, limit int) error {
	key, ok := s.SessionKeyFor(pkg)
	if !ok {
		if suppliedKey == "" {
			s.opts.Send(protocol.HistoryFrame{Type: protocol.TypeHistory, AgentPkg: pkg, Messages: json.RawMessage("[]")})
			return nil
		}
		var err error
		if key, err = s.resolveKey(pkg, suppliedKey, false); err != nil {
			return s.fail("history", err)
		}
	}

	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	limit = min(limit, s.opts.MaxHistoryLimit)

	payload, err := s.opts.Link.Request(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: key,
		Limit:      limit,
	}, s.opts.RequestTimeout)
	if err != nil {
		return s.fail("history", err)
	}

	s.opts.Send(protocol.HistoryFrame{Type: protocol.TypeHistory, AgentPkg: pkg, Messages: historyMessages(payload)})
	return nil
}

// Teardown releases every subscription. Later events for this client's keys
// go nowhere. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.closed = true
	var unsubs []func()
	for key, fns := range s.subs {
		unsubs = append(unsubs, fns...)
		delete(s.subs, key)
	}
	clear(s.sessions)
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// resolveKey picks the key for an untracked package: an owned client key,
// or, when synthesize is set and none was given, the deterministic one.
func (s *Session) resolveKey(pkg, suppliedKey string, synthesize bool) (string, error) {
	clientID := s.ClientID()
	if suppliedKey != "" {
		if !OwnsKey(suppliedKey, pkg, clientID) {
			s.logger.Warn("rejected foreign session key", "client_id", clientID, "agent_pkg", pkg, "session_key", suppliedKey)
			return "", ErrKeyNotOwned
		}
		return suppliedKey, nil
	}
	if !synthesize {
		return "", ErrKeyNotOwned
	}

	agentID := NormalizeAgentID(pkg)
	if bundle, err := s.opts.Packages.Lookup(pkg); err == nil {
		agentID = AgentID(bundle.Manifest, pkg)
	}
	return SessionKey(agentID, s.opts.Scope, pkg, clientID), nil
}

// ensureSubscribed subscribes to chat and agent events for key unless it is
// already subscribed. It reports whether subscriptions were created.
func (s *Session) ensureSubscribed(key, pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.subs[key]; ok {
		return false
	}
	s.subs[key] = []func(){
		s.opts.Link.Subscribe(protocol.EventChat, s.chatHandler(key, pkg)),
		s.opts.Link.Subscribe(protocol.EventAgent, s.agentHandler(key, pkg)),
	}
	return true
}

func (s *Session) release(key string) {
	s.mu.Lock()
	fns := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	for _, unsub := range fns {
		unsub()
	}
}

// chatHandler forwards chat events whose session key is exactly key.
func (s *Session) chatHandler(key, pkg string) gateway.Handler {
	return func(_ string, payload json.RawMessage) {
		var ev protocol.ChatEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.SessionKey != key {
			return
		}

		frame := protocol.ChatFrame{AgentPkg: pkg, RunID: ev.RunID, Message: ev.Message, SessionKey: key}
		switch ev.State {
		case protocol.ChatStateDelta:
			frame.Type = protocol.TypeChatDelta
		case protocol.ChatStateFinal, protocol.ChatStateAborted:
			frame.Type = protocol.TypeChatFinal
		case protocol.ChatStateError:
			s.opts.Send(protocol.NewError("agent run failed: " + ev.ErrorMessage))
			return
		default:
			s.logger.Debug("ignoring chat event", "state", ev.State, "session_key", key)
			return
		}
		s.opts.Send(frame)
	}
}

// agentHandler forwards agent events whose session key is exactly key.
func (s *Session) agentHandler(key, pkg string) gateway.Handler {
	return func(_ string, payload json.RawMessage) {
		var scoped protocol.SessionScoped
		if err := json.Unmarshal(payload, &scoped); err != nil || scoped.SessionKey != key {
			return
		}
		s.opts.Send(protocol.AgentEventFrame{Type: protocol.TypeAgentEvent, AgentPkg: pkg, Payload: payload})
	}
}

// fail reports a failed intent to the client and returns the error.
func (s *Session) fail(intent string, err error) error {
	s.logger.Warn(intent+" failed", "client_id", s.ClientID(), "error", err)
	s.opts.Send(protocol.NewError(intent + " failed: " + errorMessage(err)))
	return fmt.Errorf("%s: %w", intent, err)
}

func (s *Session) audit(action, clientID, pkg, key string, cause error) {
	if s.opts.Audit == nil {
		return
	}
	e := store.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		ClientID:   clientID,
		AgentPkg:   pkg,
		SessionKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if cause != nil {
		e.Detail, _ = json.Marshal(map[string]string{"error": errorMessage(cause)})
	}
	s.opts.Audit(e)
}

// errorMessage strips the wrapped detail from package lookups so clients see
// a stable message.
func errorMessage(err error) string {
	if errors.Is(err, packages.ErrNotFound) {
		return packages.ErrNotFound.Error()
	}
	return err.Error()
}

// historyMessages unwraps {"messages": [...]} payloads and passes anything
// else through.
func historyMessages(payload json.RawMessage) json.RawMessage {
	var wrapped struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Messages) > 0 {
		return wrapped.Messages
	}
	if len(payload) == 0 {
		return json.RawMessage("[]")
	}
	return payload
}
