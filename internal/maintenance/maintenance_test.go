package maintenance

import (
	"context"
	"testing"
	"time"

	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

type maintStore struct {
	storage.Store

	checkpoints int
	pruneBefore time.Time
}

func (m *maintStore) Checkpoint(ctx context.Context) error {
	m.checkpoints++
	return nil
}

func (m *maintStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	m.pruneBefore = olderThan
	return 3, nil
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	store := &maintStore{}
	svc := New(Config{Enabled: true, AuditRetention: 48 * time.Hour}, store, logx.Nop())
	svc.runOnce()

	if store.checkpoints != 1 {
		t.Fatalf("checkpoints: got %d, want 1", store.checkpoints)
	}
	want := time.Now().Add(-48 * time.Hour)
	if d := store.pruneBefore.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("prune cutoff %v not near %v", store.pruneBefore, want)
	}
}

func TestStartSkipsPlainStores(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true}, storage.NewMemory(), logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	if svc.cron != nil {
		t.Fatal("cron should not start for stores without housekeeping")
	}
	svc.Stop()
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true}, &maintStore{}, logx.Nop())
	if svc.cfg.Schedule != defaultSchedule {
		t.Fatalf("schedule default: %q", svc.cfg.Schedule)
	}
	if svc.cfg.AuditRetention != defaultRetention {
		t.Fatalf("retention default: %v", svc.cfg.AuditRetention)
	}
}
