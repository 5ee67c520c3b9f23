package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// SnapshotSource reads and replaces the ledger snapshot. LedgerService
// implements it.
type SnapshotSource interface {
	LedgerID() string
	Snapshot(ctx context.Context) (domain.Snapshot, uint64, error)
	Restore(ctx context.Context, snap domain.Snapshot) (uint64, error)
}

// BlobStore is the object storage the archiver needs.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
	domain.BlobDeleter
}

// ArchiveConfig holds the snapshot archive settings.
type ArchiveConfig struct {
	// Schedule is a cron spec with a seconds field, e.g. "0 0 * * * *".
	Schedule  string
	Prefix    string
	Retention time.Duration
	// Snapshots larger than MultipartThreshold bytes are uploaded in parts
	// of PartSize bytes. Zero disables multipart uploads.
	MultipartThreshold int64
	PartSize           int64
}

// SnapshotArchiver periodically copies the ledger snapshot to object storage
// and prunes old copies.
type SnapshotArchiver struct {
	cfg    ArchiveConfig
	source SnapshotSource
	blobs  BlobStore
	now    func() time.Time
	logger *slog.Logger
}

// NewSnapshotArchiver creates a SnapshotArchiver.
func NewSnapshotArchiver(cfg ArchiveConfig, source SnapshotSource, blobs BlobStore, logger *slog.Logger) *SnapshotArchiver {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &SnapshotArchiver{
		cfg:    cfg,
		source: source,
		blobs:  blobs,
		now:    time.Now,
		logger: logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// Run schedules ArchiveOnce and Prune on the configured cron spec and blocks
// until ctx is cancelled.
func (a *SnapshotArchiver) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(a.cfg.Schedule, func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("service: archive schedule %q: %w", a.cfg.Schedule, err)
	}

	c.Start()
	a.logger.InfoContext(ctx, "archiver started", slog.String("schedule", a.cfg.Schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.InfoContext(ctx, "archiver stopped")
	return nil
}

func (a *SnapshotArchiver) tick(ctx context.Context) {
	if _, err := a.ArchiveOnce(ctx); err != nil {
		a.logger.ErrorContext(ctx, "archive failed", slog.String("error", err.Error()))
		return
	}
	if _, err := a.Prune(ctx); err != nil {
		a.logger.WarnContext(ctx, "prune failed", slog.String("error", err.Error()))
	}
}

// ArchiveOnce uploads the current snapshot and returns its object path.
func (a *SnapshotArchiver) ArchiveOnce(ctx context.Context) (string, error) {
	snap, version, err := a.source.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("service: encode snapshot: %w", err)
	}

	path := a.path(version, a.now().UTC())
	multipart := a.cfg.MultipartThreshold > 0 && int64(len(body)) > a.cfg.MultipartThreshold
	if multipart {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(body), a.cfg.PartSize)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(body), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("service: upload snapshot: %w", err)
	}

	a.logger.InfoContext(ctx, "snapshot archived",
		slog.String("path", path),
		slog.Uint64("version", version),
		slog.Int("bytes", len(body)),
		slog.Bool("multipart", multipart),
	)
	return path, nil
}

// Prune deletes archives older than the retention window. A zero retention
// keeps everything.
func (a *SnapshotArchiver) Prune(ctx context.Context) (int, error) {
	if a.cfg.Retention <= 0 {
		return 0, nil
	}
	infos, err := a.blobs.List(ctx, a.ledgerPrefix())
	if err != nil {
		return 0, fmt.Errorf("service: list archives: %w", err)
	}

	cutoff := a.now().Add(-a.cfg.Retention)
	var (
		deleted int
		errs    []error
	)
	for _, info := range infos {
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := a.blobs.Delete(ctx, info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		a.logger.InfoContext(ctx, "archives pruned", slog.Int("deleted", deleted))
	}
	return deleted, errors.Join(errs...)
}

// Restore loads the archive at path and makes it the current snapshot. A
// missing archive yields domain.ErrNotFound and leaves the ledger untouched.
func (a *SnapshotArchiver) Restore(ctx context.Context, path string) (uint64, error) {
	ok, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("service: check archive: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("service: archive %s: %w", path, domain.ErrNotFound)
	}

	rc, err := a.blobs.Get(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("service: fetch archive: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return 0, fmt.Errorf("service: read archive: %w", err)
	}
	snap := domain.EmptySnapshot()
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, fmt.Errorf("service: decode archive %s: %w", path, err)
	}
	return a.source.Restore(ctx, snap)
}

// Latest returns the path of the newest archive, or domain.ErrNotFound.
func (a *SnapshotArchiver) Latest(ctx context.Context) (string, error) {
	infos, err := a.blobs.List(ctx, a.ledgerPrefix())
	if err != nil {
		return "", fmt.Errorf("service: list archives: %w", err)
	}
	var best domain.BlobInfo
	for _, info := range infos {
		if info.LastModified.After(best.LastModified) ||
			(info.LastModified.Equal(best.LastModified) && info.Path > best.Path) {
			best = info
		}
	}
	if best.Path == "" {
		return "", domain.ErrNotFound
	}
	return best.Path, nil
}

func (a *SnapshotArchiver) ledgerPrefix() string {
	if a.cfg.Prefix == "" {
		return a.source.LedgerID() + "/"
	}
	return a.cfg.Prefix + "/" + a.source.LedgerID() + "/"
}

// path is <prefix>/<ledger>/<yyyy>/<mm>/<dd>/<version>-<unix>.json.
func (a *SnapshotArchiver) path(version uint64, at time.Time) string {
	return fmt.Sprintf("%s%s/%d-%d.json", a.ledgerPrefix(), at.Format("2006/01/02"), version, at.Unix())
}
