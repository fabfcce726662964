// Package api provides the bridge's HTTP surface: health checks, the client
// WebSocket, the agent catalogue, signups and the admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentarena/arena/bridge/internal/auth"
	"github.com/agentarena/arena/bridge/internal/config"
	"github.com/agentarena/arena/bridge/internal/eventbus"
	"github.com/agentarena/arena/bridge/internal/gateway"
	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/router"
	"github.com/agentarena/arena/bridge/internal/store"
	"github.com/agentarena/arena/pkg/protocol"
)

// Gateway is the part of the gateway link the API reads.
type Gateway interface {
	State() gateway.State
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Deps are the components the API serves.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Packages packages.Store
	Gateway  Gateway
	Router   *router.Router
	Logs     *eventbus.Ring // optional
}

// Server is the HTTP API server.
type Server struct {
	store          store.Store
	auth           *auth.Service
	packages       packages.Store
	gateway        Gateway
	router         *router.Router
	logs           *eventbus.Ring
	logger         *slog.Logger
	mux            *chi.Mux
	startTime      time.Time
	maxBodyBytes   int64
	requestTimeout time.Duration
	loginRL        *rateLimiter
	signupRL       *rateLimiter
	rl             *rateLimiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:          deps.Store,
		auth:           deps.Auth,
		packages:       deps.Packages,
		gateway:        deps.Gateway,
		router:         deps.Router,
		logs:           deps.Logs,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		requestTimeout: cfg.Gateway.RequestTimeout.Duration,
		loginRL:        newRateLimiter(5, 10),
		signupRL:       newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		rl:             newRateLimiter(10, 20),
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Client WebSocket
	mux.Get("/ws", deps.Router.HandleClientWS)

	// Public catalogue
	mux.Get("/api/agents", srv.handleListAgents)
	mux.Get("/api/agents/{name}", srv.handleGetAgent)
	mux.Post("/api/agents/{name}/hire", srv.handleHireAgent)
	mux.With(ipRateLimitMiddleware(srv.signupRL, "too many signups")).Post("/api/signup", srv.handleSignup)

	// Admin routes only exist when a credential is configured.
	if deps.Auth != nil && deps.Auth.Enabled() {
		mux.With(ipRateLimitMiddleware(srv.loginRL, "too many login attempts")).Post("/api/admin/login", srv.handleLogin)

		mux.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			r.Use(rateLimitMiddleware(srv.rl))

			r.Get("/api/admin/signups", srv.handleListSignups)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
			r.Get("/api/admin/sessions", srv.handleListSessions)
			r.Get("/api/admin/logs", srv.handleLogs)
		})
	}

	// Serve UI static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.signupRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Truncate(time.Second).String(),
		"clients": s.router.ClientCount(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.gateway.State()
	if state != gateway.StateReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"gateway": state.String(),
		})
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"gateway": state.String(),
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "gateway": state.String()})
}

// --- Catalogue handlers ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.packages.List()
	if err != nil {
		s.logger.Error("list packages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if list == nil {
		list = []packages.Manifest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*packages.Bundle, bool) {
	b, err := s.packages.Lookup(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, packages.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
		return nil, false
	case err != nil:
		s.logger.Error("load package failed", "name", chi.URLParam(r, "name"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return nil, false
	}
	return b, true
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Manifest)
}

// handleHireAgent returns the boot prompt for an agent so a caller can spawn
// it outside the bridge.
func (s *Server) handleHireAgent(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := b.Manifest.DisplayName
	if name == "" {
		name = b.Manifest.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"agent":   b.Manifest,
		"prompt":  b.BootMessage(),
		"message": name + " is ready to deploy. Use the prompt to spawn a sub-agent.",
	})
}

// --- Signups ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		AgentPkg string `json:"agentPkg"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil || len(addr.Address) > 254 {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if len(req.Name) > 100 || len(req.Source) > 64 {
		writeError(w, http.StatusBadRequest, "field too long")
		return
	}
	if req.AgentPkg != "" && !packages.ValidName(req.AgentPkg) {
		writeError(w, http.StatusBadRequest, "invalid agentPkg")
		return
	}

	su := &store.Signup{
		ID:        uuid.New().String(),
		Email:     strings.ToLower(addr.Address),
		Name:      strings.TrimSpace(req.Name),
		AgentPkg:  req.AgentPkg,
		Source:    req.Source,
		RemoteIP:  clientIP(r),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendSignup(r.Context(), su); err != nil {
		s.logger.Error("append signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record signup")
		return
	}
	s.logger.Info("signup recorded", "agent_pkg", su.AgentPkg, "source", su.Source)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": su.ID})
}

// --- Admin handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrAdminDisabled):
		writeError(w, http.StatusForbidden, "password login is not configured")
		return
	case err != nil:
		s.logger.Warn("admin login failed", "remote", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	detail, _ := json.Marshal(map[string]string{"remote_ip": clientIP(r)})
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: store.ActionAdminLogin, Detail: detail, CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", store.ActionAdminLogin, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListSignups(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	list, err := s.store.ListSignups(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list signups")
		return
	}
	total, err := s.store.CountSignups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count signups")
		return
	}
	if list == nil {
		list = []store.Signup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signups": list, "total": total})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	q := r.URL.Query()
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:   q.Get("action"),
		ClientID: q.Get("client_id"),
		AgentPkg: q.Get("agent_pkg"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleListSessions reports the bridge's connected clients alongside the
// gateway's own session list.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r, 50, 500)
	resp := map[string]any{"clients": s.router.Clients()}

	payload, err := s.gateway.Request(r.Context(), protocol.MethodSessionsList, protocol.SessionsListParams{Limit: limit}, s.requestTimeout)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, gateway.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		resp["error"] = "sessions.list failed: " + err.Error()
		writeJSON(w, status, resp)
		return
	}
	resp["gateway"] = payload
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []eventbus.Event{})
		return
	}
	events := s.logs.Snapshot()
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// pageParams reads limit and offset query parameters.
func pageParams(r *http.Request, defLimit, maxLimit int) (limit, offset int) {
	limit = defLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
