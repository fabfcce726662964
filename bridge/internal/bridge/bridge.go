// Package bridge is the orchestrator that ties the bridge components
// together: the gateway link, the package store, client routing, storage and
// the HTTP API.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentarena/arena/bridge/internal/api"
	"github.com/agentarena/arena/bridge/internal/auth"
	"github.com/agentarena/arena/bridge/internal/config"
	"github.com/agentarena/arena/bridge/internal/eventbus"
	"github.com/agentarena/arena/bridge/internal/gateway"
	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/router"
	"github.com/agentarena/arena/bridge/internal/store"
)

// Options carries process-level values that are not part of the config file.
type Options struct {
	Version string
	// Bus receives lifecycle and log events. A new bus is created when nil.
	Bus *eventbus.Bus
}

// Bridge is the main bridge process.
type Bridge struct {
	cfg      *config.Config
	store    store.Store
	link     *gateway.Link
	packages *packages.Dir
	bus      *eventbus.Bus
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a bridge from configuration.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Bridge, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	link := gateway.New(gateway.Options{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		ClientID:         cfg.Gateway.ClientID,
		DisplayName:      cfg.Gateway.DisplayName,
		Version:          opts.Version,
		Platform:         cfg.Gateway.Platform,
		ProtocolVersion:  cfg.Gateway.ProtocolVersion,
		TLSSkipVerify:    cfg.Gateway.TLSSkipVerify,
		ReconnectDelay:   cfg.Gateway.ReconnectDelay.Duration,
		RequestTimeout:   cfg.Gateway.RequestTimeout.Duration,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout.Duration,
		PingInterval:     cfg.Gateway.PingInterval.Duration,
	}, logger)
	link.OnStateChange(func(s gateway.State) {
		if t, ok := linkEventType(s); ok {
			bus.PublishType(t, map[string]string{"state": s.String()})
		}
	})

	pkgs := packages.NewDir(cfg.Packages.Dir, logger)

	rt := router.New(link, pkgs, db, bus, logger, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageSize:  cfg.Server.MaxClientMsgBytes,
		MaxClients:      cfg.Server.MaxClients,
		PingInterval:    cfg.Gateway.PingInterval.Duration,
		Scope:           cfg.Session.Scope,
		HistoryLimit:    cfg.Session.HistoryLimit,
		MaxHistoryLimit: cfg.Session.MaxHistoryLimit,
		RequestTimeout:  cfg.Gateway.RequestTimeout.Duration,
	})

	apiSrv := api.NewServer(api.Deps{
		Store:    db,
		Auth:     authSvc,
		Packages: pkgs,
		Gateway:  link,
		Router:   rt,
		Logs:     eventbus.NewRing(bus, 200, eventbus.LogEntry),
	}, cfg, logger)

	b := &Bridge{
		cfg:      cfg,
		store:    db,
		link:     link,
		packages: pkgs,
		bus:      bus,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "bridge"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			b.logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	if cfg.Gateway.Token == "" {
		b.logger.Warn("gateway token is empty; the gateway will likely reject the handshake")
	}
	if cfg.Gateway.TLSSkipVerify {
		b.logger.Warn("gateway TLS verification disabled (development only)")
	}
	if !authSvc.Enabled() {
		b.logger.Info("admin API disabled: no admin_password_hash or jwks_url configured")
	}
	if _, err := os.Stat(cfg.Packages.Dir); err != nil {
		b.logger.Warn("packages directory not readable", "path", cfg.Packages.Dir, "error", err)
	}
	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			b.logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return b, nil
}

// linkEventType maps a link state to the bus event announcing it.
func linkEventType(s gateway.State) (string, bool) {
	switch s {
	case gateway.StateReady:
		return eventbus.LinkReady, true
	case gateway.StateDisconnected:
		return eventbus.LinkDown, true
	case gateway.StateConnecting:
		return eventbus.LinkReconnecting, true
	}
	return "", false
}

// Link returns the gateway link.
func (b *Bridge) Link() *gateway.Link { return b.link }

// Handler returns the HTTP handler.
func (b *Bridge) Handler() http.Handler { return b.api.Handler() }

// Run starts the gateway link and the HTTP server and blocks until ctx is
// canceled.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              b.cfg.Server.Addr,
		Handler:           b.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	purger, err := b.startPurger(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	linkCtx, stopLink := context.WithCancel(ctx)
	defer stopLink()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.link.Run(linkCtx)
	}()

	if b.cfg.Packages.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.packages.Watch(linkCtx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("package watch stopped", "error", err)
			}
		}()
	}

	b.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", b.cfg.Server.Addr, "gateway", b.cfg.Gateway.URL)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	shutdown := func() {
		stopLink()
		wg.Wait()
		<-purger.Stop().Done()
		b.bus.Close()
		_ = b.store.Close()
	}

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down bridge gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		shutdown()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		shutdown()
		return err
	}
}

// startPurger schedules the audit retention purge on
// storage.purge_schedule.
func (b *Bridge) startPurger(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	retention := b.cfg.Storage.Retention.Duration
	if retention > 0 {
		if _, err := c.AddFunc(b.cfg.Storage.PurgeSchedule, func() { b.purge(ctx, retention) }); err != nil {
			return nil, fmt.Errorf("schedule retention purge: %w", err)
		}
	}
	c.Start()
	return c, nil
}

func (b *Bridge) purge(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := b.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		b.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		b.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
