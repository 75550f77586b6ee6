package pipeline

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/render"
	"github.com/kalambet/shortsd/internal/source"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

// execution is the state of the in-flight run. Its goroutine is the only
// writer of the run's ledger entries.
type execution struct {
	id       string
	mode     Mode
	policy   RetryPolicy
	privacy  youtube.Privacy
	attempts map[storage.Stage]int

	cancelCh chan struct{}
	mu       sync.Mutex
	reason   string
	// finished is set once the stages are over; later cancels are refused.
	finished bool
}

func newExecution(id string, mode Mode, s ScheduleConfig) *execution {
	return &execution{
		id:       id,
		mode:     mode,
		policy:   s.Retry,
		privacy:  s.Privacy,
		attempts: map[storage.Stage]int{},
		cancelCh: make(chan struct{}),
	}
}

// requestCancel asks the run to stop at its next boundary. It returns false
// when the run's outcome is already decided.
func (x *execution) requestCancel(reason string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finished {
		return false
	}
	if x.reason == "" {
		x.reason = reason
		close(x.cancelCh)
	}
	return true
}

func (x *execution) finish() {
	x.mu.Lock()
	x.finished = true
	x.mu.Unlock()
}

// cancelled returns the cancellation reason, or "" if none was requested.
func (x *execution) cancelled() string {
	select {
	case <-x.cancelCh:
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.reason
	default:
		return ""
	}
}

func cancelledError(stage storage.Stage, reason string) error {
	return failure.New(failure.Cancelled, "stage "+string(stage), errors.New(reason))
}

func (o *Orchestrator) execute(ctx context.Context, x *execution) {
	ref, err := o.drive(ctx, x)
	x.finish()
	log := o.logger.With("run_id", x.id, "mode", x.mode)

	if err == nil {
		if err := o.ledger.CompleteRun(x.id, ref); err != nil {
			log.Error("recording completed run", "error", err)
		}
		o.setState(StateDone)
		log.Info("run done", "remote_ref", ref, "url", youtube.WatchURL(ref))
	} else {
		kind := failure.KindOf(err)
		if ferr := o.ledger.FailRun(x.id, string(kind), err.Error()); ferr != nil {
			log.Error("recording failed run", "error", ferr)
		}
		o.setState(StateFailed)
		log.Warn("run failed", "kind", kind, "error", err)
	}
	o.finished <- x.id
}

// drive runs the stages in order and returns the remote reference.
func (o *Orchestrator) drive(ctx context.Context, x *execution) (string, error) {
	var item source.ContentItem
	err := o.runStage(ctx, x, storage.StageFetch, StateFetching, func(ctx context.Context) error {
		var err error
		item, err = o.source.Fetch(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := o.ledger.SetRunContent(x.id, item.ID, ""); err != nil {
		return "", err
	}

	var art render.Artifact
	err = o.runStage(ctx, x, storage.StageRender, StateRendering, func(ctx context.Context) error {
		var err error
		art, err = o.renderer.Render(ctx, item)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := o.ledger.SetRunContent(x.id, "", art.Path); err != nil {
		return "", err
	}

	err = o.runStage(ctx, x, storage.StageAuth, StateAuthenticating, func(ctx context.Context) error {
		_, err := o.auth.Authenticate(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	meta := youtube.BuildMetadata(item, x.privacy, o.intn)
	var ref string
	err = o.runStage(ctx, x, storage.StageUpload, StateUploading, func(ctx context.Context) error {
		// Uploads are never aborted midway.
		var err error
		ref, err = o.publisher.Publish(context.WithoutCancel(ctx), art.Path, meta)
		return err
	})
	return ref, err
}

// runStage invokes op until it succeeds, fails fatally, or exhausts the
// stage's attempts. Cancellation is checked before every attempt and during
// backoff waits, never while op is running.
func (o *Orchestrator) runStage(ctx context.Context, x *execution, stage storage.Stage, state State, op func(context.Context) error) error {
	maxAttempts := max(x.policy.For(stage).MaxAttempts, 1)
	log := o.logger.With("run_id", x.id, "stage", stage)

	for n := 1; ; n++ {
		if reason := x.cancelled(); reason != "" {
			return cancelledError(stage, reason)
		}
		if ctx.Err() != nil {
			return cancelledError(stage, "shutdown")
		}

		x.attempts[stage] = n
		if err := o.ledger.UpdateRunStage(x.id, stage, maps.Clone(x.attempts), ""); err != nil {
			return err
		}
		o.setState(state)

		started := o.clock.Now()
		err := op(ctx)
		a := storage.Attempt{
			RunID:      x.id,
			Stage:      stage,
			Number:     n,
			StartedAt:  started,
			FinishedAt: o.clock.Now(),
		}
		if err != nil {
			a.Error = err.Error()
		}
		if rerr := o.ledger.RecordAttempt(a); rerr != nil {
			log.Error("recording attempt", "attempt", n, "error", rerr)
		}

		if err == nil {
			log.Debug("stage succeeded", "attempt", n)
			return nil
		}
		if ctx.Err() != nil && stage != storage.StageUpload {
			return cancelledError(stage, "shutdown")
		}
		if !failure.IsRetryable(err) || n >= maxAttempts {
			return err
		}

		delay := x.policy.Delay(stage, n, err, o.int63n)
		log.Warn("stage attempt failed, retrying", "attempt", n, "delay", delay, "error", err)
		if reason := o.wait(ctx, x, delay); reason != "" {
			return cancelledError(stage, reason)
		}
	}
}

// wait sleeps for d and returns "" or the reason it was interrupted.
func (o *Orchestrator) wait(ctx context.Context, x *execution, d time.Duration) string {
	if d <= 0 {
		return x.cancelled()
	}
	select {
	case <-o.clock.After(d):
		return ""
	case <-x.cancelCh:
		return x.cancelled()
	case <-ctx.Done():
		return "shutdown"
	}
}
