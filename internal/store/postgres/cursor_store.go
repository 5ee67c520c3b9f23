package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// CursorStore implements domain.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore backed by the given connection pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// LoadCursor returns the saved stream position for name, or "" if none.
func (s *CursorStore) LoadCursor(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT last_id FROM relay_cursors WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: load cursor %s: %w", name, err)
	}
	return id, nil
}

// SaveCursor upserts the stream position for name.
func (s *CursorStore) SaveCursor(ctx context.Context, name, id string) error {
	const query = `
		INSERT INTO relay_cursors (name, last_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET last_id = EXCLUDED.last_id, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, name, id); err != nil {
		return fmt.Errorf("postgres: save cursor %s: %w", name, err)
	}
	return nil
}

var (
	_ domain.SnapshotStore = (*SnapshotStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
	_ domain.CursorStore   = (*CursorStore)(nil)
)
