package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, mode, triggered_at, stage, attempts_json, content_id, artifact_path,
	remote_ref, last_error, failure_kind, finished_at`

const inFlightClause = `stage NOT IN ('DONE', 'FAILED')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var triggeredAt, attemptsJSON string
	var remoteRef, lastError, finishedAt sql.NullString
	err := row.Scan(&r.ID, &r.Mode, &triggeredAt, &r.Stage, &attemptsJSON, &r.ContentID,
		&r.ArtifactPath, &remoteRef, &lastError, &r.FailureKind, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	if r.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return Run{}, fmt.Errorf("parsing triggered_at for run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Run{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
	}
	r.Attempts = make(map[Stage]int)
	if err := json.Unmarshal([]byte(attemptsJSON), &r.Attempts); err != nil {
		return Run{}, fmt.Errorf("parsing attempts for run %s: %w", r.ID, err)
	}
	r.RemoteRef = remoteRef.String
	r.LastError = lastError.String
	return r, nil
}

func encodeAttempts(attempts map[Stage]int) (string, error) {
	if attempts == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attempts)
	if err != nil {
		return "", fmt.Errorf("encoding attempts: %w", err)
	}
	return string(b), nil
}

// CreateRun inserts a new in-flight run. It fails with ErrRunInFlight if any
// other run has not reached DONE or FAILED; the check and insert share one
// transaction.
func (s *Store) CreateRun(r Run) error {
	attempts, err := encodeAttempts(r.Attempts)
	if err != nil {
		return err
	}
	if r.Stage == "" {
		r.Stage = StageFetch
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var inFlight int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE ` + inFlightClause).Scan(&inFlight); err != nil {
		return fmt.Errorf("checking in-flight runs: %w", err)
	}
	if inFlight > 0 {
		return ErrRunInFlight
	}

	if _, err := tx.Exec(`
		INSERT INTO runs (id, mode, triggered_at, stage, attempts_json)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Mode, formatTime(r.TriggeredAt), r.Stage, attempts,
	); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return tx.Commit()
}

// UpdateRunStage records the stage a run is working on, its attempt counts,
// and the most recent error (empty clears nothing; the last error is kept).
func (s *Store) UpdateRunStage(id string, stage Stage, attempts map[Stage]int, lastErr string) error {
	if stage.Terminal() {
		return fmt.Errorf("use CompleteRun or FailRun to finish run %s", id)
	}
	encoded, err := encodeAttempts(attempts)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE runs SET stage = ?, attempts_json = ?, last_error = COALESCE(NULLIF(?, ''), last_error)
		WHERE id = ? AND `+inFlightClause,
		stage, encoded, lastErr, id,
	)
	if err != nil {
		return err
	}
	return s.checkRunUpdated(res, id)
}

// SetRunContent records the content item and artifact produced for a run.
func (s *Store) SetRunContent(id, contentID, artifactPath string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET content_id = COALESCE(NULLIF(?, ''), content_id),
			artifact_path = COALESCE(NULLIF(?, ''), artifact_path)
		WHERE id = ? AND `+inFlightClause,
		contentID, artifactPath, id,
	)
	if err != nil {
		return err
	}
	return s.checkRunUpdated(res, id)
}

// CompleteRun marks a run DONE with its remote reference and schedules its
// artifact for cleanup.
func (s *Store) CompleteRun(id, remoteRef string) error {
	return s.finishRun(id, StageDone, remoteRef, "", "")
}

// FailRun marks a run FAILED with a failure kind and reason and schedules its
// artifact for cleanup.
func (s *Store) FailRun(id, kind, reason string) error {
	return s.finishRun(id, StageFailed, "", kind, reason)
}

func (s *Store) finishRun(id string, stage Stage, remoteRef, kind, reason string) error {
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	var artifactPath string
	err = tx.QueryRow(`SELECT artifact_path FROM runs WHERE id = ? AND `+inFlightClause, id).Scan(&artifactPath)
	if err == sql.ErrNoRows {
		return s.missingOrFinished(tx, id)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE runs SET stage = ?, remote_ref = NULLIF(?, ''), failure_kind = ?,
			last_error = COALESCE(NULLIF(?, ''), last_error), finished_at = ?
		WHERE id = ?`,
		stage, remoteRef, kind, reason, formatTime(now), id,
	); err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}

	if err := s.scheduleCleanup(tx, id, artifactPath, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) scheduleCleanup(ex execer, runID, path string, finishedAt time.Time) error {
	if path == "" {
		return nil
	}
	payload, err := json.Marshal(CleanupPayload{RunID: runID, Path: path})
	if err != nil {
		return fmt.Errorf("encoding cleanup payload: %w", err)
	}
	job := Job{
		ID:          uuid.New().String(),
		Type:        JobArtifactCleanup,
		PayloadJSON: string(payload),
		RunAfter:    finishedAt.Add(s.grace),
	}
	if err := s.enqueueJob(ex, job); err != nil {
		return fmt.Errorf("scheduling cleanup for run %s: %w", runID, err)
	}
	return nil
}

// ReconcileInFlight fails every run that is not DONE or FAILED. It is called
// at startup, before any new run may be created, and returns the IDs it
// reconciled.
func (s *Store) ReconcileInFlight(kind, reason string) ([]string, error) {
	runs, err := s.InFlightRuns()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		if err := s.FailRun(r.ID, kind, reason); err != nil {
			return ids, fmt.Errorf("reconciling run %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// RecordAttempt appends one stage attempt to the run's history.
func (s *Store) RecordAttempt(a Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO run_attempts (run_id, stage, number, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Stage, a.Number, a.Error, formatTime(a.StartedAt), formatTime(a.FinishedAt),
	)
	return err
}

// ListAttempts returns a run's attempt history in execution order.
func (s *Store) ListAttempts(runID string) ([]Attempt, error) {
	rows, err := s.db.Query(`
		SELECT run_id, stage, number, error, started_at, finished_at
		FROM run_attempts WHERE run_id = ? ORDER BY started_at ASC, rowid ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var startedAt, finishedAt string
		if err := rows.Scan(&a.RunID, &a.Stage, &a.Number, &a.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if a.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *Store) GetRun(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// LatestRun returns the most recently triggered run, or ErrNotFound.
func (s *Store) LatestRun() (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY triggered_at DESC, rowid DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRecentRuns returns up to limit runs, newest first.
func (s *Store) ListRecentRuns(limit int) ([]Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY triggered_at DESC, rowid DESC LIMIT ?`, limit)
}

// InFlightRuns returns runs that have not reached DONE or FAILED.
func (s *Store) InFlightRuns() ([]Run, error) {
	return s.queryRuns(`SELECT ` + runColumns + ` FROM runs WHERE ` + inFlightClause + ` ORDER BY triggered_at ASC`)
}

// CountRuns returns the number of runs in the given stage.
func (s *Store) CountRuns(stage Stage) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE stage = ?`, stage).Scan(&n)
	return n, err
}

func (s *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) checkRunUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.missingOrFinished(s.db, id)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) missingOrFinished(q queryRower, id string) error {
	var stage string
	err := q.QueryRow(`SELECT stage FROM runs WHERE id = ?`, id).Scan(&stage)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrRunFinished
}
