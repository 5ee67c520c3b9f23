package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

func TestArchiveRestorePrune(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.exec(t, alice, domain.Operation{Kind: domain.OpRegisterUser})
	h.exec(t, alice, domain.Operation{Kind: domain.OpDeposit, Amount: 30})

	clock := time.Date(2026, 6, 7, 8, 9, 10, 0, time.UTC)
	blobs := newFakeBlobs(func() time.Time { return clock })
	a := NewSnapshotArchiver(ArchiveConfig{Prefix: "/snapshots/", Retention: 24 * time.Hour}, h.svc, blobs, discardLogger())
	a.now = func() time.Time { return clock }

	path, err := a.ArchiveOnce(ctx)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := "snapshots/main/2026/06/07/2-" + "1780819750" + ".json"
	if path != want {
		t.Fatalf("path=%q want %q", path, want)
	}

	h.exec(t, alice, domain.Operation{Kind: domain.OpDeposit, Amount: 70})

	latest, err := a.Latest(ctx)
	if err != nil || latest != path {
		t.Fatalf("latest=%q err=%v", latest, err)
	}
	if _, err := a.Restore(ctx, latest); err != nil {
		t.Fatalf("restore: %v", err)
	}
	u, _ := h.svc.User(ctx, alice)
	if u.Balance != 30 {
		t.Fatalf("balance after restore=%d want 30", uint64(u.Balance))
	}

	clock = clock.Add(48 * time.Hour)
	newer, _ := a.ArchiveOnce(ctx)
	n, err := a.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	infos, _ := blobs.List(ctx, "snapshots/main/")
	if len(infos) != 1 || infos[0].Path != newer {
		t.Fatalf("remaining=%+v", infos)
	}
	if !strings.HasPrefix(newer, "snapshots/main/2026/06/09/") {
		t.Fatalf("newer=%q", newer)
	}
}

func TestArchiverEmptyAndBadSchedule(t *testing.T) {
	h := newHarness(t)
	blobs := newFakeBlobs(time.Now)
	a := NewSnapshotArchiver(ArchiveConfig{Schedule: "every now and then"}, h.svc, blobs, discardLogger())

	if _, err := a.Latest(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("latest err=%v", err)
	}
	if n, err := a.Prune(context.Background()); n != 0 || err != nil {
		t.Fatalf("prune without retention: n=%d err=%v", n, err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestLargeSnapshotsUseMultipart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.exec(t, alice, domain.Operation{Kind: domain.OpRegisterUser})

	blobs := newFakeBlobs(time.Now)
	a := NewSnapshotArchiver(ArchiveConfig{MultipartThreshold: 1 << 20}, h.svc, blobs, discardLogger())
	small, err := a.ArchiveOnce(ctx)
	if err != nil || len(blobs.multipart) != 0 {
		t.Fatalf("small archive: path=%q multipart=%v err=%v", small, blobs.multipart, err)
	}

	a.cfg.MultipartThreshold = 16
	large, err := a.ArchiveOnce(ctx)
	if err != nil {
		t.Fatalf("large archive: %v", err)
	}
	if len(blobs.multipart) != 1 || blobs.multipart[0] != large {
		t.Fatalf("multipart=%v want [%s]", blobs.multipart, large)
	}
	if _, err := a.Restore(ctx, large); err != nil {
		t.Fatalf("restore multipart archive: %v", err)
	}
}

func TestRestoreMissingArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.exec(t, alice, domain.Operation{Kind: domain.OpRegisterUser})

	a := NewSnapshotArchiver(ArchiveConfig{}, h.svc, newFakeBlobs(time.Now), discardLogger())
	if _, err := a.Restore(ctx, "main/2026/01/01/9-1.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, v, _ := h.svc.Snapshot(ctx); v != 1 {
		t.Fatalf("version=%d: ledger touched by failed restore", v)
	}
}
