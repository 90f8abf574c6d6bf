package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "missiond/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecutionFileNaming(t *testing.T) {
	t.Parallel()
	started := time.Date(2025, 1, 20, 10, 30, 0, 0, time.UTC)
	got := executionFileName("sync-customers", started)
	want := "sync-customers-2025-01-20T10-30-00Z.json"
	if got != want {
		t.Fatalf("executionFileName = %q, want %q", got, want)
	}
	if strings.ContainsRune(got, ':') {
		t.Fatalf("file name contains colon: %q", got)
	}
}

func TestSaveAndLatestExecution(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if rec, err := s.LatestExecution(ctx, "orders"); err != nil || rec != nil {
		t.Fatalf("empty store: rec=%v err=%v", rec, err)
	}

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	first := NewExecution("orders", base)
	first.Complete(base.Add(time.Minute))
	if err := s.SaveExecution(ctx, first); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	second := NewExecution("orders", base.Add(time.Hour))
	if err := s.SaveExecution(ctx, second); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	latest, err := s.LatestExecution(ctx, "orders")
	if err != nil {
		t.Fatalf("LatestExecution: %v", err)
	}
	if latest == nil || latest.ExecutionID != second.ExecutionID {
		t.Fatalf("latest = %+v, want execution %s", latest, second.ExecutionID)
	}

	all, err := s.ListExecutions(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if !all[0].StartedAt.After(all[1].StartedAt) {
		t.Fatal("expected newest-first ordering")
	}
}

func TestListExecutionsMissionPrefixCollision(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	if err := s.SaveExecution(ctx, NewExecution("orders", base)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := s.SaveExecution(ctx, NewExecution("orders-eu", base.Add(time.Hour))); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	recs, err := s.ListExecutions(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recs) != 1 || recs[0].Mission != "orders" {
		t.Fatalf("recs = %+v, want only the 'orders' record", recs)
	}
}

func TestMarkInterrupted(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	rec := NewExecution("sync", base)
	rec.ActiveStep = &ActiveStep{Action: "FetchCustomers", StepIndex: 1}
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	flipped, err := s.MarkInterrupted(ctx, "sync")
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if !flipped {
		t.Fatal("expected a running record to be flipped")
	}

	latest, err := s.LatestExecution(ctx, "sync")
	if err != nil {
		t.Fatalf("LatestExecution: %v", err)
	}
	if latest.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", latest.Status)
	}
	if latest.ActiveStep == nil || latest.ActiveStep.Action != "FetchCustomers" {
		t.Fatalf("resume pointer lost: %+v", latest.ActiveStep)
	}

	// Second call is a no-op: the latest record is no longer running.
	flipped, err = s.MarkInterrupted(ctx, "sync")
	if err != nil || flipped {
		t.Fatalf("second MarkInterrupted = %v/%v, want false/nil", flipped, err)
	}
}

func TestSyncCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	key := SyncKey("crm", "customers")
	if _, ok, err := s.SyncCheckpoint(ctx, key); err != nil || ok {
		t.Fatalf("empty checkpoint: ok=%v err=%v", ok, err)
	}

	cp := SyncCheckpoint{LastSync: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC), ItemsSynced: 1234}
	if err := s.PutSyncCheckpoint(ctx, key, cp); err != nil {
		t.Fatalf("PutSyncCheckpoint: %v", err)
	}
	_ = s.Close()

	// Reopen: baseline survives restarts.
	s2, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, ok, err := s2.SyncCheckpoint(ctx, key)
	if err != nil || !ok {
		t.Fatalf("SyncCheckpoint after reopen: ok=%v err=%v", ok, err)
	}
	if !got.LastSync.Equal(cp.LastSync) || got.ItemsSynced != cp.ItemsSynced {
		t.Fatalf("got %+v, want %+v", got, cp)
	}
}

func TestCorruptRecordIsSkipped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	if err := s.SaveExecution(ctx, NewExecution("sync", base)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sync-garbage.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	recs, err := s.ListExecutions(ctx, "sync", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1 (corrupt file skipped)", len(recs))
	}
}
