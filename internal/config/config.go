// Package config defines the top-level configuration for an aetherwave
// ledger host and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AETHER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Auth     AuthConfig     `toml:"auth"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Relay    RelayConfig    `toml:"relay"`
	Operator OperatorConfig `toml:"operator"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig identifies the hosted ledger.
type LedgerConfig struct {
	ID string `toml:"id"`
	// Resolvers may close and resolve markets. Empty with no oracle secret
	// lets any identified caller do so.
	Resolvers []string `toml:"resolvers"`
	LockTTL   duration `toml:"lock_ttl"`
	// AppliedRetention is how long delivered relay message IDs are kept in
	// the snapshot to reject replays.
	AppliedRetention duration `toml:"applied_retention"`
}

// AuthConfig controls caller and oracle authentication.
type AuthConfig struct {
	RequireSignature bool     `toml:"require_signature"`
	MaxClockSkew     duration `toml:"max_clock_skew"`
	OracleSecret     string   `toml:"oracle_secret"`
}

// StorageConfig selects the snapshot and audit backend.
type StorageConfig struct {
	Driver string `toml:"driver"` // "postgres" or "memory"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; locking then falls back to the process mutex.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules snapshot uploads to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	Prefix        string `toml:"prefix"`
	RetentionDays int    `toml:"retention_days"`
	// Snapshots above MultipartThreshold bytes go through the S3 transfer
	// manager in PartSize chunks. 0 disables multipart.
	MultipartThreshold int `toml:"multipart_threshold"`
	PartSize           int `toml:"part_size"`
}

// RelayConfig controls inter-ledger messaging.
type RelayConfig struct {
	Enabled      bool     `toml:"enabled"`
	Origin       string   `toml:"origin"`
	InboxStream  string   `toml:"inbox_stream"`
	OutboxStream string   `toml:"outbox_stream"`
	TrustedPeers []string `toml:"trusted_peers"`
	BatchSize    int      `toml:"batch_size"`
	PollInterval duration `toml:"poll_interval"`
	DedupTTL     duration `toml:"dedup_ttl"`
}

// OperatorConfig holds the key that signs outgoing messages.
type OperatorConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client; 0 disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ID:               "main",
			LockTTL:          duration{10 * time.Second},
			AppliedRetention: duration{7 * 24 * time.Hour},
		},
		Auth: AuthConfig{
			RequireSignature: true,
			MaxClockSkew:     duration{30 * time.Second},
		},
		Storage: StorageConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "aether:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "aetherwave-snapshots",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:            false,
			Cron:               "0 0 * * * *",
			Prefix:             "snapshots",
			RetentionDays:      30,
			MultipartThreshold: 16 << 20,
			PartSize:           8 << 20,
		},
		Relay: RelayConfig{
			Enabled:      false,
			InboxStream:  "ledger:inbox",
			OutboxStream: "ledger:outbox",
			BatchSize:    100,
			PollInterval: duration{time.Second},
			DedupTTL:     duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   50,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_voided", "message_rejected"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"relay":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RelayActive reports whether the current mode runs the relay.
func (c *Config) RelayActive() bool {
	m := strings.ToLower(c.Mode)
	return m == "relay" || (m == "full" && c.Relay.Enabled)
}

// ArchiveActive reports whether the current mode runs the archiver.
func (c *Config) ArchiveActive() bool {
	m := strings.ToLower(c.Mode)
	return m == "archive" || (m == "full" && c.Archive.Enabled)
}

// ServerActive reports whether the current mode serves HTTP.
func (c *Config) ServerActive() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || (m == "full" && c.Server.Enabled)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, relay, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.ID) == "" {
		errs = append(errs, "ledger: id must not be empty")
	}
	if c.Ledger.AppliedRetention.Duration <= 0 {
		errs = append(errs, "ledger: applied_retention must be > 0")
	}
	for _, r := range c.Ledger.Resolvers {
		if !common.IsHexAddress(r) {
			errs = append(errs, fmt.Sprintf("ledger: resolver %q is not an address", r))
		}
	}

	// Auth
	if c.Auth.RequireSignature && c.Auth.MaxClockSkew.Duration <= 0 {
		errs = append(errs, "auth: max_clock_skew must be > 0 when require_signature is set")
	}

	// Storage
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Relay needs Redis streams and a signing key.
	if c.RelayActive() {
		if c.Redis.Addr == "" {
			errs = append(errs, "relay: redis.addr is required")
		}
		if c.Relay.InboxStream == "" || c.Relay.OutboxStream == "" {
			errs = append(errs, "relay: inbox_stream and outbox_stream must not be empty")
		}
		if len(c.Relay.TrustedPeers) == 0 {
			errs = append(errs, "relay: trusted_peers must not be empty")
		}
		for _, p := range c.Relay.TrustedPeers {
			if !common.IsHexAddress(p) {
				errs = append(errs, fmt.Sprintf("relay: trusted peer %q is not an address", p))
			}
		}
		if c.Relay.BatchSize < 1 {
			errs = append(errs, "relay: batch_size must be >= 1")
		}
		if c.Relay.PollInterval.Duration <= 0 {
			errs = append(errs, "relay: poll_interval must be > 0")
		}
		if c.Relay.DedupTTL.Duration > c.Ledger.AppliedRetention.Duration {
			errs = append(errs, "relay: dedup_ttl must not exceed ledger.applied_retention")
		}
		if c.Operator.PrivateKey == "" && c.Operator.EncryptedKeyPath == "" {
			errs = append(errs, "operator: either private_key or encrypted_key_path must be set for the relay")
		}
	}
	if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
		errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
	}

	// Archive
	if c.ArchiveActive() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
		if c.Archive.MultipartThreshold < 0 || c.Archive.PartSize < 0 {
			errs = append(errs, "archive: multipart_threshold and part_size must be >= 0")
		}
	}

	// Server
	if c.ServerActive() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
