package sweep

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/shortsd/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueCleanup(t *testing.T, store *storage.Store, id, path string) {
	t.Helper()
	payload, _ := json.Marshal(storage.CleanupPayload{RunID: "run-" + id, Path: path})
	job := storage.Job{
		ID:          id,
		Type:        storage.JobArtifactCleanup,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", id, err)
	}
	return status, attempts
}

func TestSweeper_RemovesArtifact(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "short.mp4")
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	enqueueCleanup(t, store, "j1", path)

	s := New(store, dir, 0)
	didWork, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still exists: %v", err)
	}
	if status, _ := jobStatus(t, store, "j1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestSweeper_MissingFileCompletes(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	enqueueCleanup(t, store, "j1", filepath.Join(dir, "gone.mp4"))

	if _, err := New(store, dir, 0).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, "j1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestSweeper_RefusesPathOutsideDir(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "keep.mp4")
	if err := os.WriteFile(outside, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	enqueueCleanup(t, store, "j1", outside)
	enqueueCleanup(t, store, "j2", filepath.Join(dir, "..", "escape.mp4"))

	s := New(store, dir, 0)
	for range 2 {
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside artifact dir was touched: %v", err)
	}
	for _, id := range []string{"j1", "j2"} {
		status, attempts := jobStatus(t, store, id)
		if status != "pending" || attempts != 1 {
			t.Errorf("job %s: status=%q attempts=%d, want pending/1", id, status, attempts)
		}
	}
}

func TestSweeper_NothingDue(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	payload, _ := json.Marshal(storage.CleanupPayload{RunID: "r", Path: filepath.Join(dir, "a.mp4")})
	if err := store.EnqueueJob(storage.Job{
		ID:          "later",
		Type:        storage.JobArtifactCleanup,
		PayloadJSON: string(payload),
		RunAfter:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	didWork, err := New(store, dir, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce processed a job before its grace period ended")
	}
}

func TestSweeper_FinishedRunEndToEnd(t *testing.T) {
	store := openTestStore(t)
	store.SetCleanupGrace(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "short_run.mp4")
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := store.CreateRun(storage.Run{ID: "run-1", Mode: "manual", TriggeredAt: time.Now(), Stage: storage.StageFetch}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.SetRunContent("run-1", "cid", path); err != nil {
		t.Fatalf("SetRunContent: %v", err)
	}
	if err := store.CompleteRun("run-1", "vid"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(store, dir, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("artifact not swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
