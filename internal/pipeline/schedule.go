package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"
	_ "time/tzdata"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

// Duration is a time.Duration that reads and writes as "30s"-style text.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// StagePolicy bounds the attempts of one stage.
type StagePolicy struct {
	MaxAttempts int      `json:"max_attempts"`
	BaseDelay   Duration `json:"base_delay"`
	MaxDelay    Duration `json:"max_delay"`
}

// RetryPolicy holds per-stage retry settings.
type RetryPolicy struct {
	Fetch  StagePolicy `json:"fetch"`
	Render StagePolicy `json:"render"`
	Auth   StagePolicy `json:"auth"`
	Upload StagePolicy `json:"upload"`

	// RateLimitFloor is the minimum wait after a rate_limited failure.
	RateLimitFloor Duration `json:"rate_limit_floor"`
	Jitter         bool     `json:"jitter"`
}

// For returns the policy of a stage.
func (p RetryPolicy) For(stage storage.Stage) StagePolicy {
	switch stage {
	case storage.StageFetch:
		return p.Fetch
	case storage.StageRender:
		return p.Render
	case storage.StageAuth:
		return p.Auth
	default:
		return p.Upload
	}
}

// Delay returns the wait before attempt n+1 after attempt n failed with err:
// BaseDelay doubled per attempt, capped at MaxDelay, with equal jitter.
// Rate-limited failures wait at least RateLimitFloor and the platform hint.
func (p RetryPolicy) Delay(stage storage.Stage, n int, err error, int63n func(int64) int64) time.Duration {
	sp := p.For(stage)
	d := time.Duration(float64(sp.BaseDelay) * math.Pow(2, float64(n-1)))
	if sp.MaxDelay > 0 && (d > time.Duration(sp.MaxDelay) || d < 0) {
		d = time.Duration(sp.MaxDelay)
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(int63n(int64(d-half)+1))
	}
	if failure.KindOf(err) == failure.RateLimited {
		d = max(d, time.Duration(p.RateLimitFloor), failure.RetryAfter(err))
	}
	return d
}

func (p RetryPolicy) validate() error {
	for _, s := range storage.Stages {
		sp := p.For(s)
		if sp.MaxAttempts < 1 {
			return fmt.Errorf("%s: max_attempts must be at least 1", s)
		}
		if sp.BaseDelay < 0 || sp.MaxDelay < 0 {
			return fmt.Errorf("%s: delays must not be negative", s)
		}
		if sp.MaxDelay > 0 && sp.MaxDelay < sp.BaseDelay {
			return fmt.Errorf("%s: max_delay is below base_delay", s)
		}
	}
	if p.RateLimitFloor < 0 {
		return errors.New("rate_limit_floor must not be negative")
	}
	return nil
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Fetch:          StagePolicy{MaxAttempts: 3, BaseDelay: Duration(2 * time.Second), MaxDelay: Duration(30 * time.Second)},
		Render:         StagePolicy{MaxAttempts: 1},
		Auth:           StagePolicy{MaxAttempts: 3, BaseDelay: Duration(5 * time.Second), MaxDelay: Duration(time.Minute)},
		Upload:         StagePolicy{MaxAttempts: 3, BaseDelay: Duration(30 * time.Second), MaxDelay: Duration(10 * time.Minute)},
		RateLimitFloor: Duration(5 * time.Minute),
		Jitter:         true,
	}
}

// ScheduleConfig controls the daily trigger and the settings snapshotted by
// each run.
type ScheduleConfig struct {
	TimeOfDay string          `json:"time_of_day"`
	Timezone  string          `json:"timezone"`
	Enabled   bool            `json:"enabled"`
	Privacy   youtube.Privacy `json:"privacy"`
	Retry     RetryPolicy     `json:"retry"`
}

// DefaultSchedule returns a disabled 10:00 UTC public schedule.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		TimeOfDay: "10:00",
		Timezone:  "UTC",
		Privacy:   youtube.PrivacyPublic,
		Retry:     DefaultRetryPolicy(),
	}
}

// Validate reports the first invalid field.
func (s ScheduleConfig) Validate() error {
	if _, _, err := s.clock(); err != nil {
		return err
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if !s.Privacy.Valid() {
		return fmt.Errorf("invalid privacy %q", s.Privacy)
	}
	return s.Retry.validate()
}

func (s ScheduleConfig) clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", s.TimeOfDay)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time_of_day %q: want HH:MM", s.TimeOfDay)
	}
	return t.Hour(), t.Minute(), nil
}

func (s ScheduleConfig) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Due reports whether a scheduled run should fire at now: the schedule is
// enabled, now falls within the minute starting at TimeOfDay in the
// schedule's timezone, and nothing fired yet on that calendar day. It also
// returns the local date of now, in YYYY-MM-DD form.
func (s ScheduleConfig) Due(now time.Time, lastDate string) (date string, due bool) {
	h, m, err := s.clock()
	if err != nil {
		return "", false
	}
	loc, err := s.location()
	if err != nil {
		return "", false
	}
	local := now.In(loc)
	date = local.Format(time.DateOnly)
	start := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	inWindow := !local.Before(start) && local.Before(start.Add(time.Minute))
	return date, s.Enabled && inWindow && date != lastDate
}

// NextRun returns the next time the schedule's window opens after now, or the
// zero time when the schedule is disabled or invalid.
func (s ScheduleConfig) NextRun(now time.Time) time.Time {
	if !s.Enabled {
		return time.Time{}
	}
	h, m, err := s.clock()
	if err != nil {
		return time.Time{}
	}
	loc, err := s.location()
	if err != nil {
		return time.Time{}
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, 0, 0, loc)
	}
	return next
}
