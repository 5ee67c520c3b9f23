package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// Deliverer applies inter-ledger messages. LedgerService implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.Message) error
}

// SignatureRecoverer returns the address that signed payload.
type SignatureRecoverer func(payload []byte, sig string) (domain.Owner, error)

// RelayConfig holds the inbox consumer settings.
type RelayConfig struct {
	Inbox        string
	BatchSize    int
	PollInterval time.Duration
	DedupTTL     time.Duration
	// TrustedPeers are the operator addresses whose messages are accepted.
	TrustedPeers []domain.Owner
}

// Relay consumes signed messages from the inbox stream and delivers them to
// the ledger. Its read position is persisted after every delivered message.
// The cursor and the in-memory dedup window only save work: the ledger
// itself records applied message IDs, so rereading the inbox after a lost
// cursor write is harmless.
type Relay struct {
	cfg       RelayConfig
	bus       domain.EventBus
	cursors   domain.CursorStore
	target    Deliverer
	recoverer SignatureRecoverer
	dedup     *Dedup
	trusted   map[domain.Owner]bool
	logger    *slog.Logger

	cursor string
	loaded bool
}

// NewRelay creates a Relay.
func NewRelay(
	cfg RelayConfig,
	bus domain.EventBus,
	cursors domain.CursorStore,
	target Deliverer,
	recoverer SignatureRecoverer,
	logger *slog.Logger,
) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	trusted := make(map[domain.Owner]bool, len(cfg.TrustedPeers))
	for _, p := range cfg.TrustedPeers {
		trusted[p] = true
	}
	return &Relay{
		cfg:       cfg,
		bus:       bus,
		cursors:   cursors,
		target:    target,
		recoverer: recoverer,
		dedup:     NewDedup(cfg.DedupTTL),
		trusted:   trusted,
		logger:    logger.With(slog.String("component", "relay"), slog.String("inbox", cfg.Inbox)),
	}
}

// Run polls the inbox until ctx is cancelled. Infrastructure errors are
// logged and the batch is retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "relay started",
		slog.Int("trusted_peers", len(r.trusted)),
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(r.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		for {
			n, err := r.PollOnce(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "relay poll failed", slog.String("error", err.Error()))
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "relay stopped")
			return nil
		case <-cleanup.C:
			if n := r.dedup.Cleanup(); n > 0 {
				r.logger.DebugContext(ctx, "dedup cleanup", slog.Int("evicted", n))
			}
		case <-ticker.C:
		}
	}
}

// PollOnce reads one batch from the inbox and handles each entry in order.
// It returns the number of entries read. The cursor only advances past an
// entry once it has been delivered, dropped or rejected.
func (r *Relay) PollOnce(ctx context.Context) (int, error) {
	if !r.loaded {
		c, err := r.cursors.LoadCursor(ctx, r.cfg.Inbox)
		if err != nil {
			return 0, fmt.Errorf("service: load relay cursor: %w", err)
		}
		r.cursor, r.loaded = c, true
	}
	if r.cursor == "" {
		r.cursor = "0"
	}

	entries, err := r.bus.StreamRead(ctx, r.cfg.Inbox, r.cursor, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("service: read inbox: %w", err)
	}

	for _, e := range entries {
		if err := r.handle(ctx, e); err != nil {
			return 0, err
		}
		if err := r.cursors.SaveCursor(ctx, r.cfg.Inbox, e.ID); err != nil {
			return 0, fmt.Errorf("service: save relay cursor: %w", err)
		}
		r.cursor = e.ID
	}
	return len(entries), nil
}

func (r *Relay) handle(ctx context.Context, e domain.StreamMessage) error {
	var msg domain.Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil || msg.ID == "" {
		r.logger.WarnContext(ctx, "dropping undecodable message", slog.String("stream_id", e.ID))
		return nil
	}

	signer, err := r.recoverer(msg.SigningPayload(), msg.Signature)
	if err != nil || !r.trusted[signer] {
		r.logger.WarnContext(ctx, "dropping message from untrusted signer",
			slog.String("message_id", msg.ID),
			slog.String("origin", msg.Origin),
			slog.String("signer", string(signer)),
		)
		return nil
	}

	if r.dedup.Seen(msg.ID) {
		r.logger.DebugContext(ctx, "duplicate message", slog.String("message_id", msg.ID))
		return nil
	}

	if err := r.target.Deliver(ctx, msg); err != nil {
		r.dedup.Forget(msg.ID)
		return fmt.Errorf("service: deliver %s: %w", msg.ID, err)
	}
	return nil
}
