package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SnapshotStore persists the full ledger snapshot. Load returns an empty
// snapshot at version 0 for a ledger that has never been saved. Save fails
// with ErrVersionConflict unless the stored version equals expected; on
// success the stored version becomes expected+1.
type SnapshotStore interface {
	Load(ctx context.Context, ledgerID string) (Snapshot, uint64, error)
	Save(ctx context.Context, ledgerID string, snap Snapshot, expected uint64) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CursorStore remembers how far a stream consumer has read, so a restarted
// relay resumes after the last delivered message instead of replaying the
// whole inbox.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, id string) error
}
