package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/aetherwave/internal/blob/s3"
	"github.com/alanyoungcy/aetherwave/internal/cache/redis"
	"github.com/alanyoungcy/aetherwave/internal/config"
	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/domain"
	"github.com/alanyoungcy/aetherwave/internal/notify"
	"github.com/alanyoungcy/aetherwave/internal/server/handler"
	"github.com/alanyoungcy/aetherwave/internal/service"
	"github.com/alanyoungcy/aetherwave/internal/store/memory"
	"github.com/alanyoungcy/aetherwave/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Snapshots domain.SnapshotStore
	Audit     domain.AuditStore
	Cursors   domain.CursorStore

	// Redis; all nil when redis.addr is empty.
	Locks       domain.LockManager
	Bus         domain.EventBus
	RateLimiter domain.RateLimiter

	// Nonces rejects replayed signed requests. Redis-backed when configured,
	// otherwise in process.
	Nonces domain.NonceStore

	// Blob storage; nil unless the archiver runs.
	Blobs *s3blob.Store

	// Operator key; nil unless configured.
	Signer *crypto.Signer

	Notifier *notify.Notifier
	Ledger   *service.LedgerService

	// Checks feed the health endpoint.
	Checks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.HealthCheck)}

	// --- Snapshot, audit and cursor storage ---
	switch cfg.Storage.Driver {
	case "memory":
		store := memory.New()
		deps.Snapshots, deps.Audit, deps.Cursors = store, store, store
		logger.WarnContext(ctx, "using in-memory storage; ledger state is lost on exit")
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Snapshots = postgres.NewSnapshotStore(pool)
		deps.Audit = postgres.NewAuditStore(pool, cfg.Ledger.ID)
		deps.Cursors = postgres.NewCursorStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Nonces = redis.NewNonceStore(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.Nonces = memory.NewNonces()
	}

	// --- S3 blob storage (archiving and restores) ---
	if cfg.Archive.Enabled || cfg.ArchiveActive() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blobs = s3blob.NewStore(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Operator key ---
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	}
	if keyCfg.Configured() {
		signer, err := crypto.LoadSigner(keyCfg)
		if err != nil {
			return fail(fmt.Errorf("wire: operator key: %w", err))
		}
		deps.Signer = signer
		logger.InfoContext(ctx, "operator key loaded", slog.String("address", string(signer.Owner())))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(cfg.Ledger.ID, senders, cfg.Notify.Events, logger)

	// --- Ledger service ---
	ledgerDeps := service.LedgerDeps{
		Store:    deps.Snapshots,
		Audit:    deps.Audit,
		Locks:    deps.Locks,
		Bus:      deps.Bus,
		Notifier: deps.Notifier,
	}
	deps.Ledger = service.NewLedgerService(service.LedgerConfig{
		LedgerID:         cfg.Ledger.ID,
		LockTTL:          cfg.Ledger.LockTTL.Duration,
		AppliedRetention: cfg.Ledger.AppliedRetention.Duration,
	}, ledgerDeps, logger)

	// Operations accepted through the API are mirrored to peers whenever
	// the relay is configured, even on hosts that do not consume the inbox.
	if cfg.Relay.Enabled && deps.Signer != nil && deps.Bus != nil {
		deps.Ledger.SetForwarder(service.NewMessagePublisher(
			relayOrigin(cfg), cfg.Relay.OutboxStream, deps.Signer, deps.Bus,
		))
	}

	return deps, cleanup, nil
}

// relayOrigin names this host in outgoing messages.
func relayOrigin(cfg *config.Config) string {
	if o := strings.TrimSpace(cfg.Relay.Origin); o != "" {
		return o
	}
	return cfg.Ledger.ID
}

// parseOwners normalises configured addresses, skipping invalid entries
// that Validate already reported.
func parseOwners(addrs []string) []domain.Owner {
	out := make([]domain.Owner, 0, len(addrs))
	for _, a := range addrs {
		if owner, err := crypto.ParseOwner(a); err == nil {
			out = append(out, owner)
		}
	}
	return out
}

// recoverOwner adapts crypto.RecoverAddress for the relay.
func recoverOwner(payload []byte, sig string) (domain.Owner, error) {
	addr, err := crypto.RecoverAddress(payload, sig)
	if err != nil {
		return "", err
	}
	return domain.Owner(addr.Hex()), nil
}
