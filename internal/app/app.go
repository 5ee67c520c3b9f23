// Package app provides the top-level application lifecycle management for an
// aetherwave ledger host. It wires together all dependencies (stores, caches,
// blob storage, signing keys, services and notifications) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/aetherwave/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("ledger", a.cfg.Ledger.ID),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "server":
		return a.ServerMode(ctx, deps)
	case "relay":
		return a.RelayMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// RestoreArchive rolls the ledger back to an archived snapshot and returns
// the archive path used. "latest" picks the newest archive.
func (a *App) RestoreArchive(ctx context.Context, path string) (string, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return "", err
	}
	archiver, err := a.newArchiver(deps)
	if err != nil {
		return "", err
	}
	if path == "latest" {
		if path, err = archiver.Latest(ctx); err != nil {
			return "", fmt.Errorf("app: find latest archive: %w", err)
		}
	}
	version, err := archiver.Restore(ctx, path)
	if err != nil {
		return "", fmt.Errorf("app: restore %s: %w", path, err)
	}
	a.logger.InfoContext(ctx, "archive restored",
		slog.String("path", path),
		slog.Uint64("version", version),
	)
	return path, nil
}

func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
