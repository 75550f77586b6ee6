package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixClock pins the store's clock and returns a function that advances it.
func fixClock(s *Store, at time.Time) func(time.Duration) {
	now := at
	s.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestOpen_ReopenKeepsLedger(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if err := s1.CreateRun(newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if _, err := s2.GetRun("run-1"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}

func TestMigrations_AscendingAndComplete(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	want := []int{1, 2, 3}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("versions = %v, want %v", versions, want)
			break
		}
	}
}

func TestSchemaObjectsExist(t *testing.T) {
	s := openTestStore(t)

	objects := []struct{ typ, name string }{
		{"table", "runs"},
		{"table", "run_attempts"},
		{"table", "jobs"},
		{"table", "credentials"},
		{"table", "scheduler_state"},
		{"index", "idx_runs_triggered_at"},
		{"index", "idx_runs_stage"},
		{"index", "idx_jobs_claim"},
	}
	for _, o := range objects {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", o.typ, o.name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", o.name, err)
		}
		if count != 1 {
			t.Errorf("%s %q not found", o.typ, o.name)
		}
	}
}

func TestAttemptRequiresRun(t *testing.T) {
	s := openTestStore(t)

	err := s.RecordAttempt(Attempt{RunID: "ghost", Stage: StageFetch, Number: 1, StartedAt: time.Now(), FinishedAt: time.Now()})
	if err == nil {
		t.Error("attempt for an unknown run should violate the foreign key")
	}
}

func TestEnqueueJob_Defaults(t *testing.T) {
	s := openTestStore(t)
	fixClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobArtifactCleanup}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{JobArtifactCleanup})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("job with zero RunAfter should be due immediately")
	}
	if job.PayloadJSON != "{}" {
		t.Errorf("PayloadJSON = %q, want {}", job.PayloadJSON)
	}
	if job.MaxAttempts != defaultJobAttempts || job.Attempts != 0 {
		t.Errorf("attempts = %d/%d, want 0/%d", job.Attempts, job.MaxAttempts, defaultJobAttempts)
	}
	if job.Status != JobRunning {
		t.Errorf("Status = %q, want running", job.Status)
	}
	if !job.RunAfter.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("RunAfter = %v", job.RunAfter)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{JobArtifactCleanup})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if got, _ := s.ClaimNextJob(nil); got != nil {
		t.Errorf("no types should claim nothing, got %+v", got)
	}
}

func TestClaimNextJob_WaitsForRunAfter(t *testing.T) {
	s := openTestStore(t)
	advance := fixClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := s.EnqueueJob(Job{
		ID:       "j-later",
		Type:     JobArtifactCleanup,
		RunAfter: s.now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if got, _ := s.ClaimNextJob([]string{JobArtifactCleanup}); got != nil {
		t.Fatalf("job claimed before run_after: %+v", got)
	}

	advance(24 * time.Hour)
	got, err := s.ClaimNextJob([]string{JobArtifactCleanup})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "j-later" {
		t.Errorf("got %+v, want j-later once due", got)
	}
}

func TestClaimNextJob_OldestDueFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fixClock(s, base)

	for _, j := range []Job{
		{ID: "newer", Type: JobArtifactCleanup, RunAfter: base.Add(-time.Minute)},
		{ID: "older", Type: JobArtifactCleanup, RunAfter: base.Add(-time.Hour)},
	} {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", j.ID, err)
		}
	}

	first, _ := s.ClaimNextJob([]string{JobArtifactCleanup})
	second, _ := s.ClaimNextJob([]string{JobArtifactCleanup})
	third, _ := s.ClaimNextJob([]string{JobArtifactCleanup})
	if first == nil || first.ID != "older" {
		t.Errorf("first = %+v, want older", first)
	}
	if second == nil || second.ID != "newer" {
		t.Errorf("second = %+v, want newer", second)
	}
	if third != nil {
		t.Errorf("running jobs must not be claimed again, got %+v", third)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-other", Type: "other"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-clean", Type: JobArtifactCleanup}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{JobArtifactCleanup})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "j-clean" {
		t.Errorf("got %+v, want j-clean", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobArtifactCleanup}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobArtifactCleanup}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if n, _ := s.PendingJobs(JobArtifactCleanup); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BacksOffThenGivesUp(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := fixClock(s, base)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobArtifactCleanup, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobArtifactCleanup}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j1", "permission denied"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfter string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j1'`).
		Scan(&status, &attempts, &lastError, &runAfter); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != string(JobPending) || attempts != 1 || lastError != "permission denied" {
		t.Errorf("after first failure: status=%s attempts=%d last_error=%q", status, attempts, lastError)
	}
	if want := formatTime(base.Add(jobBackoffBase)); runAfter != want {
		t.Errorf("run_after = %s, want %s", runAfter, want)
	}

	advance(jobBackoffBase)
	job, _ := s.ClaimNextJob([]string{JobArtifactCleanup})
	if job == nil {
		t.Fatal("job should be due again after its backoff")
	}
	if err := s.FailJob("j1", "still denied"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j1'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != string(JobFailed) {
		t.Errorf("status = %s, want failed after max attempts", status)
	}
	if err := s.FailJob("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestJobBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{12, jobBackoffCap},
		{100, jobBackoffCap},
	}
	for _, tt := range tests {
		if got := jobBackoff(tt.attempts); got != tt.want {
			t.Errorf("jobBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
