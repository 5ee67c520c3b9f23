// Package service hosts the ledger: it serialises invocations, persists
// snapshots around each one, and fans applied operations out to the event
// bus, the audit log, peer ledgers and operators.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/aetherwave/internal/domain"
	"github.com/alanyoungcy/aetherwave/internal/ledger"
)

// EventsChannel is the pub/sub channel carrying applied-operation events.
const EventsChannel = "ledger:events"

// Audit event names that are not operation kinds.
const (
	AuditMessageRejected = "message_rejected"
	AuditSnapshotRestore = "snapshot_restored"
)

// Notification event names.
const (
	NotifyMarketResolved  = "market_resolved"
	NotifyMarketVoided    = "market_voided"
	NotifyMessageRejected = "message_rejected"
)

// maxConflictRetries bounds reloads after a concurrent writer bumped the
// snapshot version.
const maxConflictRetries = 3

// Forwarder receives every operation applied through the API so it can be
// mirrored to peer ledgers.
type Forwarder interface {
	Forward(ctx context.Context, subject domain.Owner, op domain.Operation) error
}

// Notifier sends operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LedgerConfig holds the tunables of a LedgerService.
type LedgerConfig struct {
	LedgerID  string
	LockTTL   time.Duration
	LockRetry time.Duration
	// AppliedRetention is how long delivered message IDs stay in the
	// snapshot. It must outlast any relay outage that could replay them.
	AppliedRetention time.Duration
}

// LedgerDeps are the collaborators of a LedgerService. Store and Audit are
// required; the rest may be nil.
type LedgerDeps struct {
	Store     domain.SnapshotStore
	Audit     domain.AuditStore
	Locks     domain.LockManager
	Bus       domain.EventBus
	Forwarder Forwarder
	Notifier  Notifier
}

// LedgerService applies operations to one ledger. Each mutation loads the
// snapshot, applies exactly one operation and stores the snapshot back, all
// while holding both a process mutex and the distributed ledger lock.
type LedgerService struct {
	cfg    LedgerConfig
	deps   LedgerDeps
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(cfg LedgerConfig, deps LedgerDeps, logger *slog.Logger) *LedgerService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 50 * time.Millisecond
	}
	if cfg.AppliedRetention <= 0 {
		cfg.AppliedRetention = 7 * 24 * time.Hour
	}
	return &LedgerService{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ledger_service"), slog.String("ledger", cfg.LedgerID)),
	}
}

// SetForwarder installs the peer forwarder after construction. Wiring needs
// this because the forwarder is only built when the relay is enabled.
func (s *LedgerService) SetForwarder(f Forwarder) {
	s.deps.Forwarder = f
}

// LedgerID returns the identifier of the hosted ledger.
func (s *LedgerService) LedgerID() string {
	return s.cfg.LedgerID
}

// Execute applies op on behalf of an authenticated caller. Ledger rejections
// are returned unwrapped so callers can match them with errors.Is.
func (s *LedgerService) Execute(ctx context.Context, caller domain.Owner, op domain.Operation) (ledger.Result, error) {
	var at time.Time
	res, version, err := s.mutate(ctx, func(st *ledger.State, now time.Time) (ledger.Result, error) {
		at = now
		return st.Execute(caller, op, now)
	})
	if err != nil {
		return ledger.Result{}, err
	}

	msg := domain.MessageFor(caller, op)
	s.afterApply(ctx, msg, res, version, "api", at)

	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.Forward(ctx, caller, op); err != nil {
			s.logger.WarnContext(ctx, "forward operation failed",
				slog.String("kind", string(op.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// Deliver applies an inter-ledger message. A message the ledger rejects is
// logged, audited and reported, but is not an error: only storage and
// locking failures are returned. Delivered messages are never forwarded.
//
// The message ID is stored in the same snapshot write as its effects, so a
// message redelivered after a crash or a lost cursor is skipped.
func (s *LedgerService) Deliver(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("service: deliver: %w: missing id", domain.ErrInvalidMessage)
	}

	var at time.Time
	res, version, err := s.mutate(ctx, func(st *ledger.State, now time.Time) (ledger.Result, error) {
		at = now
		st.PruneApplied(now.Add(-s.cfg.AppliedRetention))
		return st.Apply(msg, now)
	})
	if err == nil {
		s.afterApply(ctx, msg, res, version, "relay:"+msg.Origin, at)
		return nil
	}
	if errors.Is(err, domain.ErrDuplicateMessage) {
		s.logger.InfoContext(ctx, "message already applied",
			slog.String("message_id", msg.ID),
			slog.String("origin", msg.Origin),
		)
		return nil
	}
	if !domain.IsLedgerRejection(err) {
		return err
	}

	s.logger.WarnContext(ctx, "message rejected",
		slog.String("message_id", msg.ID),
		slog.String("origin", msg.Origin),
		slog.String("kind", string(msg.Kind)),
		slog.String("owner", string(msg.Owner)),
		slog.String("error", err.Error()),
	)
	s.audit(ctx, AuditMessageRejected, map[string]any{
		"message_id": msg.ID,
		"origin":     msg.Origin,
		"kind":       string(msg.Kind),
		"owner":      string(msg.Owner),
		"market_id":  uint64(msg.MarketID),
		"error":      err.Error(),
	})
	s.notify(ctx, NotifyMessageRejected, "Inter-ledger message rejected",
		fmt.Sprintf("ledger %s rejected %s from %s (id %s): %v", s.cfg.LedgerID, msg.Kind, msg.Origin, msg.ID, err))
	return nil
}

// Restore replaces the stored snapshot with snap. It is used to roll a
// ledger back to an archived state. Message IDs applied since the archive
// was taken stay recorded so the relay cannot replay them.
func (s *LedgerService) Restore(ctx context.Context, snap domain.Snapshot) (uint64, error) {
	_, version, err := s.mutate(ctx, func(st *ledger.State, _ time.Time) (ledger.Result, error) {
		current := st.Snapshot()
		restored := snap.Clone()
		for id, at := range current.Applied {
			if _, ok := restored.Applied[id]; !ok {
				restored.Applied[id] = at
			}
		}
		*st = *ledger.FromSnapshot(restored)
		return ledger.Result{}, nil
	})
	if err != nil {
		return 0, err
	}
	s.audit(ctx, AuditSnapshotRestore, map[string]any{
		"version":        version,
		"markets":        len(snap.Markets),
		"users":          len(snap.Users),
		"next_market_id": uint64(snap.NextMarketID),
	})
	s.logger.InfoContext(ctx, "snapshot restored", slog.Uint64("version", version))
	return version, nil
}

// Snapshot returns the current persisted snapshot and its version.
func (s *LedgerService) Snapshot(ctx context.Context) (domain.Snapshot, uint64, error) {
	snap, version, err := s.deps.Store.Load(ctx, s.cfg.LedgerID)
	if err != nil {
		return domain.Snapshot{}, 0, fmt.Errorf("service: load snapshot: %w", err)
	}
	return snap, version, nil
}

// User returns the user record for owner.
func (s *LedgerService) User(ctx context.Context, owner domain.Owner) (domain.User, error) {
	st, err := s.state(ctx)
	if err != nil {
		return domain.User{}, err
	}
	u, ok := st.User(owner)
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

// Market returns the market with the given id.
func (s *LedgerService) Market(ctx context.Context, id domain.MarketID) (domain.Market, error) {
	st, err := s.state(ctx)
	if err != nil {
		return domain.Market{}, err
	}
	m, ok := st.Market(id)
	if !ok {
		return domain.Market{}, domain.ErrMarketNotFound
	}
	return m, nil
}

// Markets lists every market by ascending ID.
func (s *LedgerService) Markets(ctx context.Context) ([]domain.Market, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.Markets(), nil
}

// AuditLog lists audit entries newest first.
func (s *LedgerService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.deps.Audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list audit: %w", err)
	}
	return entries, nil
}

func (s *LedgerService) state(ctx context.Context) (*ledger.State, error) {
	snap, _, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.FromSnapshot(snap), nil
}

// mutate runs one load-apply-store cycle under the ledger locks. A rejected
// operation stores nothing. A version conflict reloads and reapplies.
func (s *LedgerService) mutate(
	ctx context.Context,
	apply func(st *ledger.State, now time.Time) (ledger.Result, error),
) (ledger.Result, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return ledger.Result{}, 0, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		snap, version, err := s.deps.Store.Load(ctx, s.cfg.LedgerID)
		if err != nil {
			return ledger.Result{}, 0, fmt.Errorf("service: load snapshot: %w", err)
		}

		st := ledger.FromSnapshot(snap)
		res, err := apply(st, s.now().UTC())
		if err != nil {
			return ledger.Result{}, 0, err
		}

		next, err := s.deps.Store.Save(ctx, s.cfg.LedgerID, st.Snapshot(), version)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < maxConflictRetries {
			s.logger.WarnContext(ctx, "snapshot version conflict, retrying",
				slog.Uint64("version", version),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return ledger.Result{}, 0, fmt.Errorf("service: save snapshot: %w", err)
		}
		return res, next, nil
	}
}

// lock takes the distributed ledger lock, polling while another instance
// holds it. Without a LockManager the process mutex is the only guard.
func (s *LedgerService) lock(ctx context.Context) (func(), error) {
	if s.deps.Locks == nil {
		return func() {}, nil
	}
	key := "ledger:" + s.cfg.LedgerID
	for {
		unlock, err := s.deps.Locks.Acquire(ctx, key, s.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("service: acquire %s: %w", key, err)
		}

		t := time.NewTimer(s.cfg.LockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("service: acquire %s: %w", key, domain.ErrLockHeld)
		case <-t.C:
		}
	}
}

// afterApply publishes, audits and notifies for an applied operation. All of
// it is best effort.
func (s *LedgerService) afterApply(ctx context.Context, msg domain.Message, res ledger.Result, version uint64, source string, at time.Time) {
	ev := domain.Event{
		ID:         uuid.NewString(),
		Ledger:     s.cfg.LedgerID,
		Kind:       msg.Kind,
		Owner:      msg.Owner,
		MarketID:   msg.MarketID,
		Amount:     msg.Amount,
		Side:       msg.Side,
		Settlement: res.Settlement,
		Version:    version,
		Source:     source,
		At:         at,
	}
	if res.MarketID != 0 {
		ev.MarketID = res.MarketID
	}

	s.logger.InfoContext(ctx, "operation applied",
		slog.String("kind", string(ev.Kind)),
		slog.String("owner", string(ev.Owner)),
		slog.Uint64("market_id", uint64(ev.MarketID)),
		slog.Uint64("version", version),
		slog.String("source", source),
	)

	if s.deps.Bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = s.deps.Bus.Publish(ctx, EventsChannel, payload)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
		}
	}

	detail := map[string]any{
		"event_id":  ev.ID,
		"owner":     string(ev.Owner),
		"market_id": uint64(ev.MarketID),
		"amount":    ev.Amount.String(),
		"version":   version,
		"source":    source,
	}
	if ev.Side != "" {
		detail["side"] = string(ev.Side)
	}
	if st := res.Settlement; st != nil {
		detail["outcome"] = st.Outcome
		detail["total_pool"] = st.TotalPool.String()
		detail["payouts"] = len(st.Payouts)
		detail["dust"] = st.Dust.String()
		detail["distributed"] = st.Distributed().String()
		detail["voided"] = st.Voided
		if st.Distributed() != st.TotalPool {
			s.logger.ErrorContext(ctx, "settlement does not balance",
				slog.Uint64("market_id", uint64(st.MarketID)),
				slog.String("total_pool", st.TotalPool.String()),
				slog.String("distributed", st.Distributed().String()),
			)
		}
	}
	s.audit(ctx, string(ev.Kind), detail)

	if st := res.Settlement; st != nil {
		event, title := NotifyMarketResolved, "Market resolved"
		if st.Voided {
			event, title = NotifyMarketVoided, "Market voided"
		}
		s.notify(ctx, event, title,
			fmt.Sprintf("market %d on %s resolved %t: pool %s, %d payouts, dust %s",
				st.MarketID, s.cfg.LedgerID, st.Outcome, st.TotalPool, len(st.Payouts), st.Dust))
	}
}

func (s *LedgerService) audit(ctx context.Context, event string, detail map[string]any) {
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LedgerService) notify(ctx context.Context, event, title, message string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
