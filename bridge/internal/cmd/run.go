package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/bridge"
	"github.com/agentarena/arena/bridge/internal/config"
	"github.com/agentarena/arena/bridge/internal/eventbus"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	logger := newLogger(cfg.Logging, os.Stdout, bus)

	b, err := bridge.New(cfg, bridge.Options{Version: version, Bus: bus}, logger)
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("arena bridge starting", "version", version, "config", configPath)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge error", "error", err)
		return err
	}

	logger.Info("bridge stopped")
	return nil
}

// loadConfig wraps config.Load with a hint for first-time users.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s; run `arena-bridge init` to create one", path)
		}
		return nil, err
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the process logger. Records at info and above are also
// published on bus so the admin log view can show them.
func newLogger(cfg config.LoggingConfig, w io.Writer, bus *eventbus.Bus) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		handler = eventbus.NewSlogHandler(handler, bus, slog.LevelInfo)
	}
	return slog.New(handler)
}
