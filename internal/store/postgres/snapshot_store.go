package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. Each ledger
// is a single row whose version column guards concurrent writers.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load reads the snapshot for ledgerID. A ledger with no row yet loads as an
// empty snapshot at version 0.
func (s *SnapshotStore) Load(ctx context.Context, ledgerID string) (domain.Snapshot, uint64, error) {
	const query = `SELECT version, state FROM ledger_snapshots WHERE ledger_id = $1`

	var (
		version int64
		raw     []byte
	)
	err := s.pool.QueryRow(ctx, query, ledgerID).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EmptySnapshot(), 0, nil
	}
	if err != nil {
		return domain.Snapshot{}, 0, fmt.Errorf("postgres: load snapshot %s: %w", ledgerID, err)
	}

	snap := domain.EmptySnapshot()
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, 0, fmt.Errorf("postgres: decode snapshot %s: %w", ledgerID, err)
	}
	return snap, uint64(version), nil
}

// Save writes snap if the stored version still equals expected and returns
// the new version. A concurrent writer that got there first yields
// domain.ErrVersionConflict.
func (s *SnapshotStore) Save(ctx context.Context, ledgerID string, snap domain.Snapshot, expected uint64) (uint64, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode snapshot %s: %w", ledgerID, err)
	}
	next := expected + 1

	var query string
	if expected == 0 {
		query = `
			INSERT INTO ledger_snapshots (ledger_id, version, state, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (ledger_id) DO NOTHING`
	} else {
		query = `
			UPDATE ledger_snapshots
			SET version = $2, state = $3, updated_at = NOW()
			WHERE ledger_id = $1 AND version = $4`
	}

	args := []any{ledgerID, int64(next), raw}
	if expected != 0 {
		args = append(args, int64(expected))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: save snapshot %s: %w", ledgerID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("postgres: save snapshot %s at version %d: %w", ledgerID, expected, domain.ErrVersionConflict)
	}
	return next, nil
}
