// Package memory implements the domain store interfaces in process memory.
// It backs the "memory" storage driver and the service and handler tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

type snapshotRow struct {
	snap    domain.Snapshot
	version uint64
}

// Store holds ledger snapshots and the audit log.
type Store struct {
	mu sync.RWMutex

	snapshots map[string]snapshotRow

	audit  []domain.AuditEntry
	nextID int64

	cursors map[string]string

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		snapshots: make(map[string]snapshotRow),
		cursors:   make(map[string]string),
		now:       time.Now,
	}
}

// Load returns a copy of the stored snapshot, or an empty snapshot at version
// 0 when nothing was saved for ledgerID yet.
func (s *Store) Load(_ context.Context, ledgerID string) (domain.Snapshot, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.snapshots[ledgerID]
	if !ok {
		return domain.EmptySnapshot(), 0, nil
	}
	return row.snap.Clone(), row.version, nil
}

// Save stores snap if the current version equals expected.
func (s *Store) Save(_ context.Context, ledgerID string, snap domain.Snapshot, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshots[ledgerID].version != expected {
		return 0, domain.ErrVersionConflict
	}
	next := expected + 1
	s.snapshots[ledgerID] = snapshotRow{snap: snap.Clone(), version: next}
	return next, nil
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    cp,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns audit entries newest first, honoring the time window and
// pagination in opts.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.audit {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// LoadCursor returns the saved position for name, or "" if none.
func (s *Store) LoadCursor(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

// SaveCursor records id as the position for name.
func (s *Store) SaveCursor(_ context.Context, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = id
	return nil
}

var (
	_ domain.SnapshotStore = (*Store)(nil)
	_ domain.AuditStore    = (*Store)(nil)
	_ domain.CursorStore   = (*Store)(nil)
)
