package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRunInFlight is returned by CreateRun when another run has not reached a
// terminal stage yet.
var ErrRunInFlight = errors.New("a run is already in flight")

// ErrRunFinished is returned when mutating a run that is already DONE or FAILED.
var ErrRunFinished = errors.New("run already finished")

// Stage is the furthest step a run has reached.
type Stage string

const (
	StageFetch  Stage = "FETCH"
	StageRender Stage = "RENDER"
	StageAuth   Stage = "AUTH"
	StageUpload Stage = "UPLOAD"
	StageDone   Stage = "DONE"
	StageFailed Stage = "FAILED"
)

// Stages lists the working stages in execution order.
var Stages = []Stage{StageFetch, StageRender, StageAuth, StageUpload}

// Terminal reports whether the stage is DONE or FAILED.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Run is one end-to-end attempt to produce and publish an artifact.
type Run struct {
	ID           string        `json:"id"`
	Mode         string        `json:"mode"`
	TriggeredAt  time.Time     `json:"triggered_at"`
	Stage        Stage         `json:"stage"`
	Attempts     map[Stage]int `json:"attempts"`
	ContentID    string        `json:"content_id,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	RemoteRef    string        `json:"remote_ref,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	FailureKind  string        `json:"failure_kind,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// InFlight reports whether the run has not reached a terminal stage.
func (r Run) InFlight() bool {
	return !r.Stage.Terminal()
}

// Attempt is one invocation of a stage within a run.
type Attempt struct {
	RunID      string    `json:"run_id"`
	Stage      Stage     `json:"stage"`
	Number     int       `json:"number"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Credential is the persisted platform OAuth credential.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobArtifactCleanup deletes a finished run's artifact once its grace period ends.
const JobArtifactCleanup = "artifact_cleanup"

// CleanupPayload is the payload of a JobArtifactCleanup job.
type CleanupPayload struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}
