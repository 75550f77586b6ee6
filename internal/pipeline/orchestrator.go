// Package pipeline drives runs through fetch, render, authenticate, and
// upload. A single control loop owns the orchestrator state: triggers,
// cancellations, schedule changes, and timer ticks are all commands on one
// queue, and at most one run is in flight at a time.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/render"
	"github.com/kalambet/shortsd/internal/source"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

// ErrStopped is returned by commands sent after the control loop has exited.
var ErrStopped = errors.New("orchestrator stopped")

// Mode says what started a run.
type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeManual    Mode = "manual"
)

// State is the orchestrator's current activity.
type State string

const (
	StateIdle           State = "IDLE"
	StateFetching       State = "FETCHING"
	StateRendering      State = "RENDERING"
	StateAuthenticating State = "AUTHENTICATING"
	StateUploading      State = "UPLOADING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Fetcher produces source content.
type Fetcher interface {
	Fetch(ctx context.Context) (source.ContentItem, error)
}

// Renderer turns content into a video artifact.
type Renderer interface {
	Render(ctx context.Context, item source.ContentItem) (render.Artifact, error)
}

// Authenticator yields a valid platform credential.
type Authenticator interface {
	Authenticate(ctx context.Context) (storage.Credential, error)
}

// Publisher uploads an artifact and returns its remote reference.
type Publisher interface {
	Publish(ctx context.Context, path string, meta youtube.Metadata) (string, error)
}

// Ledger is the durable run record.
type Ledger interface {
	CreateRun(r storage.Run) error
	UpdateRunStage(id string, stage storage.Stage, attempts map[storage.Stage]int, lastErr string) error
	SetRunContent(id, contentID, artifactPath string) error
	RecordAttempt(a storage.Attempt) error
	CompleteRun(id, remoteRef string) error
	FailRun(id, kind, reason string) error
	ReconcileInFlight(kind, reason string) ([]string, error)
	GetRun(id string) (storage.Run, error)
	LatestRun() (storage.Run, error)
	ListRecentRuns(limit int) ([]storage.Run, error)
	ListAttempts(runID string) ([]storage.Attempt, error)
	GetState(key string) (string, error)
	SetState(key, value string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Source    Fetcher
	Renderer  Renderer
	Auth      Authenticator
	Publisher Publisher
	Ledger    Ledger

	// Clock defaults to the wall clock.
	Clock Clock
	// TickInterval is how often the schedule is evaluated. Defaults to one minute.
	TickInterval time.Duration
}

// Status is a point-in-time view for control surfaces.
type Status struct {
	State    State          `json:"state"`
	Run      *storage.Run   `json:"run,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Schedule ScheduleConfig `json:"schedule"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
}

type commandKind int

const (
	cmdTrigger commandKind = iota
	cmdCancel
	cmdConfigure
	cmdTick
)

type command struct {
	kind     commandKind
	mode     Mode
	runID    string
	schedule ScheduleConfig
	now      time.Time
	reply    chan commandResult
}

type commandResult struct {
	runID string
	err   error
}

// Orchestrator is the run state machine.
type Orchestrator struct {
	source    Fetcher
	renderer  Renderer
	auth      Authenticator
	publisher Publisher
	ledger    Ledger
	clock     Clock
	tickEvery time.Duration
	intn      func(int) int
	int63n    func(int64) int64
	logger    *slog.Logger

	cmds     chan command
	finished chan string
	ready    chan struct{}
	done     chan struct{}

	mu       sync.RWMutex
	state    State
	schedule ScheduleConfig

	// Owned by the control loop.
	active          *execution
	lastTriggerDate string
}

// New creates an Orchestrator with an initial schedule. A schedule persisted
// by an earlier Configure replaces it when Run starts.
func New(deps Deps, schedule ScheduleConfig) *Orchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	tick := deps.TickInterval
	if tick <= 0 {
		tick = time.Minute
	}
	return &Orchestrator{
		source:    deps.Source,
		renderer:  deps.Renderer,
		auth:      deps.Auth,
		publisher: deps.Publisher,
		ledger:    deps.Ledger,
		clock:     clock,
		tickEvery: tick,
		intn:      rand.IntN,
		int63n:    rand.Int64N,
		logger:    slog.Default(),
		cmds:      make(chan command),
		finished:  make(chan string, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateIdle,
		schedule:  schedule,
	}
}

// Run reconciles runs interrupted by a previous process, restores persisted
// schedule state, and then serves commands until ctx is cancelled. On
// shutdown an in-flight run is stopped at its next stage boundary and
// recorded as cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if err := o.restore(); err != nil {
		return err
	}
	close(o.ready)
	o.logger.Info("orchestrator started", "enabled", o.Schedule().Enabled, "time_of_day", o.Schedule().TimeOfDay)

	timer := o.clock.After(o.untilNextTick())
	for {
		select {
		case <-ctx.Done():
			if o.active != nil {
				o.logger.Info("shutdown: waiting for in-flight run", "run_id", o.active.id)
				o.active.requestCancel("shutdown")
				<-o.finished
				o.finishActive()
			}
			return nil
		case cmd := <-o.cmds:
			cmd.reply <- o.handle(ctx, cmd)
		case <-o.finished:
			o.finishActive()
		case now := <-timer:
			if _, err := o.evaluate(ctx, now); err != nil && !errors.Is(err, failure.ErrAlreadyRunning) {
				o.logger.Error("schedule evaluation failed", "error", err)
			}
			timer = o.clock.After(o.untilNextTick())
		}
	}
}

// untilNextTick returns the wait before the next schedule evaluation. Ticks
// land mid-interval on a fixed grid, so the time spent evaluating never shifts
// them toward the edge of a trigger window.
func (o *Orchestrator) untilNextTick() time.Duration {
	now := o.clock.Now()
	return nextTick(now, o.tickEvery).Sub(now)
}

func nextTick(now time.Time, every time.Duration) time.Time {
	t := now.Truncate(every).Add(every / 2)
	if !t.After(now) {
		t = t.Add(every)
	}
	return t
}

func (o *Orchestrator) restore() error {
	ids, err := o.ledger.ReconcileInFlight(string(failure.InterruptedByRestart), "process restarted before the run finished")
	if err != nil {
		return fmt.Errorf("reconciling interrupted runs: %w", err)
	}
	for _, id := range ids {
		o.logger.Warn("marked interrupted run as failed", "run_id", id)
	}

	if raw, err := o.ledger.GetState(storage.StateSchedule); err == nil {
		var s ScheduleConfig
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			o.logger.Warn("ignoring unreadable persisted schedule", "error", err)
		} else if err := s.Validate(); err != nil {
			o.logger.Warn("ignoring invalid persisted schedule", "error", err)
		} else {
			o.mu.Lock()
			o.schedule = s
			o.mu.Unlock()
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading schedule: %w", err)
	}

	date, err := o.ledger.GetState(storage.StateLastTriggerDate)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading last trigger date: %w", err)
	}
	o.lastTriggerDate = date
	return nil
}

func (o *Orchestrator) finishActive() {
	o.mu.Lock()
	o.active = nil
	o.state = StateIdle
	o.mu.Unlock()
}

// send enqueues a command and waits for the control loop's answer.
func (o *Orchestrator) send(ctx context.Context, cmd command) (string, error) {
	cmd.reply = make(chan commandResult, 1)
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	res := <-cmd.reply
	return res.runID, res.err
}

func (o *Orchestrator) handle(ctx context.Context, cmd command) commandResult {
	switch cmd.kind {
	case cmdTrigger:
		id, err := o.start(ctx, cmd.mode)
		return commandResult{runID: id, err: err}
	case cmdCancel:
		return commandResult{err: o.cancel(cmd.runID)}
	case cmdConfigure:
		return commandResult{err: o.configure(cmd.schedule)}
	case cmdTick:
		id, err := o.evaluate(ctx, cmd.now)
		return commandResult{runID: id, err: err}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

// Trigger starts a run unless one is in flight, in which case it fails with
// failure.ErrAlreadyRunning and the trigger is dropped.
func (o *Orchestrator) Trigger(ctx context.Context, mode Mode) (string, error) {
	return o.send(ctx, command{kind: cmdTrigger, mode: mode})
}

// Cancel asks the in-flight run to stop at its next stage boundary. An
// upload in progress always completes first.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	_, err := o.send(ctx, command{kind: cmdCancel, runID: runID})
	return err
}

// Configure replaces the schedule. It applies from the next trigger
// evaluation; an in-flight run keeps the settings it started with.
func (o *Orchestrator) Configure(ctx context.Context, s ScheduleConfig) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := o.send(ctx, command{kind: cmdConfigure, schedule: s})
	return err
}

// SetEnabled turns the daily trigger on or off, keeping other settings.
func (o *Orchestrator) SetEnabled(ctx context.Context, enabled bool) error {
	s := o.Schedule()
	s.Enabled = enabled
	return o.Configure(ctx, s)
}

// Tick evaluates the schedule at now and triggers a scheduled run if it is
// due. It returns the new run's ID, or "" when nothing was due.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (string, error) {
	return o.send(ctx, command{kind: cmdTick, now: now})
}

// Schedule returns the current schedule.
func (o *Orchestrator) Schedule() ScheduleConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.schedule
}

// Status returns the current state and the most recent run.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.RLock()
	st := Status{State: o.state, Schedule: o.schedule}
	o.mu.RUnlock()

	if next := st.Schedule.NextRun(o.clock.Now()); !next.IsZero() {
		st.NextRun = &next
	}

	run, err := o.ledger.LatestRun()
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("loading latest run: %w", err)
	}
	st.Run = &run
	if run.Stage == storage.StageFailed {
		st.Summary = failure.Summary(failure.Kind(run.FailureKind))
	}
	return st, nil
}

// ListRecent returns up to n runs, newest first.
func (o *Orchestrator) ListRecent(ctx context.Context, n int) ([]storage.Run, error) {
	if n <= 0 {
		n = 10
	}
	return o.ledger.ListRecentRuns(n)
}

// GetRun returns one run.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (storage.Run, error) {
	return o.ledger.GetRun(id)
}

// Attempts returns a run's attempt history.
func (o *Orchestrator) Attempts(ctx context.Context, runID string) ([]storage.Attempt, error) {
	if _, err := o.ledger.GetRun(runID); err != nil {
		return nil, err
	}
	return o.ledger.ListAttempts(runID)
}

// Ready is closed once restart reconciliation is done and commands are served.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

func (o *Orchestrator) start(ctx context.Context, mode Mode) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		o.logger.Info("trigger skipped, run in flight", "mode", mode, "active_run", o.active.id)
		return "", failure.ErrAlreadyRunning
	}

	run := storage.Run{
		ID:          uuid.New().String(),
		Mode:        string(mode),
		TriggeredAt: o.clock.Now(),
		Stage:       storage.StageFetch,
		Attempts:    map[storage.Stage]int{},
	}
	if err := o.ledger.CreateRun(run); err != nil {
		if errors.Is(err, storage.ErrRunInFlight) {
			o.logger.Info("trigger skipped, ledger has a run in flight", "mode", mode)
			return "", failure.ErrAlreadyRunning
		}
		return "", fmt.Errorf("creating run: %w", err)
	}

	x := newExecution(run.ID, mode, o.schedule)
	o.active = x
	o.state = StateFetching
	o.logger.Info("run started", "run_id", run.ID, "mode", mode)

	go o.execute(ctx, x)
	return run.ID, nil
}

func (o *Orchestrator) cancel(runID string) error {
	if o.active != nil && o.active.id == runID && o.active.requestCancel("cancelled by operator") {
		o.logger.Info("cancellation requested", "run_id", runID)
		return nil
	}
	if _, err := o.ledger.GetRun(runID); err != nil {
		return err
	}
	return storage.ErrRunFinished
}

func (o *Orchestrator) configure(s ScheduleConfig) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding schedule: %w", err)
	}
	if err := o.ledger.SetState(storage.StateSchedule, string(raw)); err != nil {
		return fmt.Errorf("persisting schedule: %w", err)
	}
	o.mu.Lock()
	o.schedule = s
	o.mu.Unlock()
	o.logger.Info("schedule updated", "enabled", s.Enabled, "time_of_day", s.TimeOfDay, "timezone", s.Timezone)
	return nil
}

// evaluate fires a scheduled run when the schedule is due at now. The date is
// recorded on every due evaluation, so a skipped trigger is not retried later
// the same day.
func (o *Orchestrator) evaluate(ctx context.Context, now time.Time) (string, error) {
	date, due := o.Schedule().Due(now, o.lastTriggerDate)
	if !due {
		return "", nil
	}
	o.lastTriggerDate = date
	if err := o.ledger.SetState(storage.StateLastTriggerDate, date); err != nil {
		o.logger.Error("persisting last trigger date", "error", err)
	}
	return o.start(ctx, ModeScheduled)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
