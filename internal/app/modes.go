package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/server"
	"github.com/alanyoungcy/aetherwave/internal/server/handler"
	"github.com/alanyoungcy/aetherwave/internal/server/middleware"
	"github.com/alanyoungcy/aetherwave/internal/server/ws"
	"github.com/alanyoungcy/aetherwave/internal/service"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// task is one long-running component of a mode.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// ServerMode serves the HTTP API and the WebSocket event feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.runTasks(ctx, a.serverTasks(deps)...)
}

// RelayMode consumes the inter-ledger inbox.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")
	t, err := a.relayTask(deps)
	if err != nil {
		return err
	}
	return a.runTasks(ctx, t)
}

// ArchiveMode uploads scheduled snapshots to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	t, err := a.archiveTask(deps)
	if err != nil {
		return err
	}
	return a.runTasks(ctx, t)
}

// FullMode runs every component enabled in the configuration.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("server", a.cfg.ServerActive()),
		slog.Bool("relay", a.cfg.RelayActive()),
		slog.Bool("archive", a.cfg.ArchiveActive()),
	)

	var tasks []task
	if a.cfg.ServerActive() {
		tasks = append(tasks, a.serverTasks(deps)...)
	}
	if a.cfg.RelayActive() {
		t, err := a.relayTask(deps)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if a.cfg.ArchiveActive() {
		t, err := a.archiveTask(deps)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return errors.New("app: full mode has no enabled components")
	}
	return a.runTasks(ctx, tasks...)
}

// runTasks runs every task in an errgroup. A cancelled context is a clean
// exit; the first real failure stops the others.
func (a *App) runTasks(ctx context.Context, tasks ...task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			err := t.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(gctx, "component failed",
					slog.String("component", t.name),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("app: %s: %w", t.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) serverTasks(deps *Dependencies) []task {
	cfg := a.cfg

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, ws.Config{
			LedgerID:       cfg.Ledger.ID,
			Channel:        service.EventsChannel,
			AllowedOrigins: cfg.Server.CORSOrigins,
		}, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		Caller: middleware.CallerConfig{
			RequireSignature: cfg.Auth.RequireSignature,
			MaxSkew:          cfg.Auth.MaxClockSkew.Duration,
			Nonces:           deps.Nonces,
		},
		Oracle: middleware.OracleConfig{
			Auth:      crypto.OracleAuth{Secret: cfg.Auth.OracleSecret, MaxSkew: cfg.Auth.MaxClockSkew.Duration},
			Resolvers: parseOwners(cfg.Ledger.Resolvers),
		},
		RateLimiter: deps.RateLimiter,
		RateLimit:   cfg.Server.RateLimit,
		RateWindow:  cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(cfg.Ledger.ID, deps.Checks, a.logger),
		Ledger: handler.NewLedgerHandler(deps.Ledger, a.logger),
	}, hub, a.logger)

	if !cfg.Auth.RequireSignature {
		a.logger.Warn("caller signatures disabled; the address header is trusted")
	}

	tasks := []task{{
		name: "http",
		run: func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}}
	if hub != nil {
		tasks = append(tasks, task{name: "ws_hub", run: hub.Run})
	}
	return tasks
}

func (a *App) relayTask(deps *Dependencies) (task, error) {
	if deps.Bus == nil {
		return task{}, errors.New("app: relay requires redis")
	}
	relay := service.NewRelay(service.RelayConfig{
		Inbox:        a.cfg.Relay.InboxStream,
		BatchSize:    a.cfg.Relay.BatchSize,
		PollInterval: a.cfg.Relay.PollInterval.Duration,
		DedupTTL:     a.cfg.Relay.DedupTTL.Duration,
		TrustedPeers: parseOwners(a.cfg.Relay.TrustedPeers),
	}, deps.Bus, deps.Cursors, deps.Ledger, recoverOwner, a.logger)
	return task{name: "relay", run: relay.Run}, nil
}

func (a *App) archiveTask(deps *Dependencies) (task, error) {
	archiver, err := a.newArchiver(deps)
	if err != nil {
		return task{}, err
	}
	return task{name: "archiver", run: archiver.Run}, nil
}

func (a *App) newArchiver(deps *Dependencies) (*service.SnapshotArchiver, error) {
	if deps.Blobs == nil {
		return nil, errors.New("app: archiving requires s3 (set archive.enabled)")
	}
	return service.NewSnapshotArchiver(service.ArchiveConfig{
		Schedule:           a.cfg.Archive.Cron,
		Prefix:             a.cfg.Archive.Prefix,
		Retention:          time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
		MultipartThreshold: int64(a.cfg.Archive.MultipartThreshold),
		PartSize:           int64(a.cfg.Archive.PartSize),
	}, deps.Ledger, deps.Blobs, a.logger), nil
}
