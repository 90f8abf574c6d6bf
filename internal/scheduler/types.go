package scheduler

import (
	"context"
	"errors"
	"time"

	"missiond/internal/schedule"
)

// ErrMissingSchedule is returned by Register when a mission declares no
// schedule. This is fatal at registration: the mission must never be silently
// skipped.
var ErrMissingSchedule = errors.New("mission declares no schedule")

// Result is the executor's report for one run.
type Result struct {
	Success bool          `json:"success"`
	Errors  []ResultError `json:"errors,omitempty"`
}

type ResultError struct {
	Message string `json:"message"`
}

// Executor runs one mission to completion. It is solely responsible for
// consulting the circuit breaker / rate limiter per outbound call and for
// writing checkpoint records; the scheduler only needs the outcome.
type Executor interface {
	Execute(ctx context.Context, mission string) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, mission string) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, mission string) (Result, error) {
	return f(ctx, mission)
}

type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
)

// Event is a transient lifecycle signal. Events are delivered synchronously to
// the registered callbacks and are never queued or retried; a slow callback
// blocks the emitting run.
type Event struct {
	Type     EventType
	JobID    string
	Mission  string
	Time     time.Time
	Duration time.Duration // completed, failed
	Err      string        // failed
	Reason   string        // skipped
}

// Callbacks are the optional event subscribers. Nil entries are ignored.
type Callbacks struct {
	OnJobStarted   func(Event)
	OnJobCompleted func(Event)
	OnJobFailed    func(Event)
	OnJobSkipped   func(Event)
}

func (c Callbacks) emit(e Event) {
	switch e.Type {
	case EventStarted:
		if c.OnJobStarted != nil {
			c.OnJobStarted(e)
		}
	case EventCompleted:
		if c.OnJobCompleted != nil {
			c.OnJobCompleted(e)
		}
	case EventFailed:
		if c.OnJobFailed != nil {
			c.OnJobFailed(e)
		}
	case EventSkipped:
		if c.OnJobSkipped != nil {
			c.OnJobSkipped(e)
		}
	}
}

// Job is one registered mission's scheduling state. Jobs are never destroyed;
// a disabled job keeps its history but is excluded from the due check.
type Job struct {
	ID                  string
	Spec                schedule.Spec
	Enabled             bool
	LastRun             *time.Time
	NextRun             *time.Time
	RunCount            int
	FailureCount        int
	ConsecutiveFailures int

	running bool
}

// JobInfo is a point-in-time copy for diagnostics.
type JobInfo struct {
	ID                  string     `json:"id"`
	Schedule            string     `json:"schedule"`
	Enabled             bool       `json:"enabled"`
	Running             bool       `json:"running"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty"`
	RunCount            int        `json:"run_count"`
	FailureCount        int        `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Config controls the scheduler service.
type Config struct {
	// CheckInterval is the due-check tick, default 1s. It doubles as the
	// IsDue tolerance so a boundary is neither missed nor double-fired.
	CheckInterval time.Duration
	// StatePath is the scheduler-state JSON document. Empty disables
	// persistence (tests).
	StatePath string
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	return c
}
