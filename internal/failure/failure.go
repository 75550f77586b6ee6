// Package failure classifies pipeline errors into retryable, fatal, and
// skipped kinds so the orchestrator can decide whether to retry a stage.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a class of pipeline failure.
type Kind string

const (
	// Retryable kinds.
	Network           Kind = "network"
	RateLimited       Kind = "rate_limited"
	SourceUnavailable Kind = "source_unavailable"

	// Fatal kinds.
	AuthExpired          Kind = "auth_expired"
	ValidationRejected   Kind = "validation_rejected"
	RenderFailed         Kind = "render_failed"
	Cancelled            Kind = "cancelled"
	InterruptedByRestart Kind = "interrupted_by_restart"

	// AlreadyRunning is not an operator-actionable error; the trigger is dropped.
	AlreadyRunning Kind = "already_running"

	// Unknown is reported for errors that carry no classification. They are fatal.
	Unknown Kind = "unknown"
)

// Retryable reports whether failures of this kind should be retried.
func (k Kind) Retryable() bool {
	switch k {
	case Network, RateLimited, SourceUnavailable:
		return true
	}
	return false
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the platform-provided delay hint, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAlreadyRunning) works
// regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrAlreadyRunning is returned when a trigger arrives while a run is in flight.
var ErrAlreadyRunning = &Error{Kind: AlreadyRunning}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfter returns the retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Summary renders a short operator-facing message for a fatal kind.
func Summary(kind Kind) string {
	switch kind {
	case AuthExpired:
		return "re-authentication required"
	case ValidationRejected:
		return "upload rejected by platform"
	case RenderFailed:
		return "video rendering failed"
	case Cancelled:
		return "run cancelled"
	case InterruptedByRestart:
		return "run interrupted by restart"
	case Network, RateLimited, SourceUnavailable:
		return "retries exhausted"
	}
	return "run failed"
}
