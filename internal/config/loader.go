package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AETHER_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AETHER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.ID, "AETHER_LEDGER_ID")
	setStringSlice(&cfg.Ledger.Resolvers, "AETHER_LEDGER_RESOLVERS")
	setDuration(&cfg.Ledger.LockTTL, "AETHER_LEDGER_LOCK_TTL")
	setDuration(&cfg.Ledger.AppliedRetention, "AETHER_LEDGER_APPLIED_RETENTION")

	// ── Auth ──
	setBool(&cfg.Auth.RequireSignature, "AETHER_AUTH_REQUIRE_SIGNATURE")
	setDuration(&cfg.Auth.MaxClockSkew, "AETHER_AUTH_MAX_CLOCK_SKEW")
	setStr(&cfg.Auth.OracleSecret, "AETHER_AUTH_ORACLE_SECRET")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "AETHER_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "AETHER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "AETHER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AETHER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AETHER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AETHER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AETHER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AETHER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AETHER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AETHER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AETHER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AETHER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AETHER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AETHER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AETHER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "AETHER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "AETHER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "AETHER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "AETHER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AETHER_S3_REGION")
	setStr(&cfg.S3.Bucket, "AETHER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AETHER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AETHER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AETHER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AETHER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "AETHER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "AETHER_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "AETHER_ARCHIVE_PREFIX")
	setInt(&cfg.Archive.RetentionDays, "AETHER_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.MultipartThreshold, "AETHER_ARCHIVE_MULTIPART_THRESHOLD")
	setInt(&cfg.Archive.PartSize, "AETHER_ARCHIVE_PART_SIZE")

	// ── Relay ──
	setBool(&cfg.Relay.Enabled, "AETHER_RELAY_ENABLED")
	setStr(&cfg.Relay.Origin, "AETHER_RELAY_ORIGIN")
	setStr(&cfg.Relay.InboxStream, "AETHER_RELAY_INBOX_STREAM")
	setStr(&cfg.Relay.OutboxStream, "AETHER_RELAY_OUTBOX_STREAM")
	setStringSlice(&cfg.Relay.TrustedPeers, "AETHER_RELAY_TRUSTED_PEERS")
	setInt(&cfg.Relay.BatchSize, "AETHER_RELAY_BATCH_SIZE")
	setDuration(&cfg.Relay.PollInterval, "AETHER_RELAY_POLL_INTERVAL")
	setDuration(&cfg.Relay.DedupTTL, "AETHER_RELAY_DEDUP_TTL")

	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "AETHER_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "AETHER_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "AETHER_OPERATOR_KEY_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "AETHER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "AETHER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "AETHER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "AETHER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "AETHER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "AETHER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AETHER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AETHER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AETHER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AETHER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "AETHER_MODE")
	setStr(&cfg.LogLevel, "AETHER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
