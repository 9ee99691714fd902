package store

import (
	"context"
	"testing"
	"time"

	"github.com/rottym/fambam/internal/model"
)

func TestBackupLifecycle(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	b, err := bs.Create(ctx, "backup-1.db.enc", "backups/backup-1.db.enc", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.ID == 0 || b.Status != model.BackupStatusPending {
		t.Fatalf("created = %+v, want pending with id", b)
	}
	if !b.StartedAt.Equal(now) {
		t.Errorf("started_at = %v, want %v", b.StartedAt, now)
	}

	if err := bs.SetStatus(ctx, b.ID, model.BackupStatusFailed, "bucket missing"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := bs.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.BackupStatusFailed || got.ErrorMessage != "bucket missing" {
		t.Errorf("after failure = %+v", got)
	}

	latest, err := bs.LatestCompleted(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Errorf("latest = %+v, want nil before any completion", latest)
	}

	if err := bs.Complete(ctx, b.ID, 4096, now.Add(time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	latest, err = bs.LatestCompleted(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != b.ID {
		t.Fatalf("latest = %+v, want backup %d", latest, b.ID)
	}
	if latest.SizeBytes != 4096 || latest.CompletedAt == nil || latest.ErrorMessage != "" {
		t.Errorf("completed = %+v", latest)
	}
}

func TestBackupGetMissing(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	b, err := bs.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b != nil {
		t.Errorf("got %+v, want nil", b)
	}
}

func TestBackupListAndPrune(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"k1", "k2", "k3"} {
		if _, err := bs.Create(ctx, key+".db.enc", key, base.AddDate(0, 0, i*10)); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}

	list, err := bs.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ObjectKey != "k3" {
		t.Fatalf("list = %+v, want newest first", list)
	}

	keys, err := bs.DeleteOlderThan(ctx, base.AddDate(0, 0, 15))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("pruned keys = %v, want 2", keys)
	}

	list, err = bs.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ObjectKey != "k3" {
		t.Errorf("remaining = %+v, want only k3", list)
	}
}
