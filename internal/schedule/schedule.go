// Package schedule normalizes the three mission schedule kinds (fixed
// interval, cron expression, one-time timestamp) behind NextRunTime and IsDue.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"missiond/internal/cron"
)

type Kind int

const (
	KindInterval Kind = iota
	KindCron
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// RetryPolicy configures bounded out-of-band retries after a failed run.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Spec is one mission's schedule. Immutable once attached to a job.
//
// SkipIfRunning is a pointer so "omitted" (defaults to true) can be told apart
// from an explicit false.
type Spec struct {
	Kind Kind

	Every      time.Duration    // KindInterval
	Expression *cron.Expression // KindCron
	RunAt      time.Time        // KindOnce, UTC

	Retry         *RetryPolicy
	SkipIfRunning *bool
}

func (s Spec) SkipWhileRunning() bool {
	return s.SkipIfRunning == nil || *s.SkipIfRunning
}

// Interval returns a fixed-interval spec.
func Interval(every time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: every}
}

// Cron parses expr and returns a cron spec. The cron.ParseError is surfaced
// unchanged so registration can reject the mission outright.
func Cron(expr string) (Spec, error) {
	e, err := cron.Parse(expr)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: KindCron, Expression: e}, nil
}

// Once returns a one-time spec firing at the given instant.
func Once(at time.Time) Spec {
	return Spec{Kind: KindOnce, RunAt: at.UTC()}
}

func (s Spec) String() string {
	switch s.Kind {
	case KindInterval:
		return "every " + s.Every.String()
	case KindCron:
		if s.Expression != nil {
			return "cron " + s.Expression.String()
		}
		return "cron"
	case KindOnce:
		return "once at " + s.RunAt.Format(time.RFC3339)
	default:
		return "unknown"
	}
}

// NextRunTime computes the first run time strictly after `after`.
// ok=false means the schedule will never fire again (an elapsed one-time
// schedule, or a cron expression with no match in its search window).
func (s Spec) NextRunTime(after time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindInterval:
		return after.Add(s.Every), true
	case KindCron:
		if s.Expression == nil {
			return time.Time{}, false
		}
		t, err := s.Expression.Next(after)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case KindOnce:
		if s.RunAt.After(after) {
			return s.RunAt, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// IsDue reports whether the schedule condition is currently satisfied.
// tolerance should be the scheduler's poll interval so a fast-ticking poller
// neither misses nor double-fires a boundary.
func (s Spec) IsDue(lastRun *time.Time, now time.Time, tolerance time.Duration) bool {
	switch s.Kind {
	case KindInterval:
		if lastRun == nil {
			return true
		}
		return now.Sub(*lastRun) >= s.Every
	case KindCron:
		if s.Expression == nil {
			return false
		}
		base := time.Unix(0, 0).UTC()
		if lastRun != nil {
			base = *lastRun
		}
		next, err := s.Expression.Next(base)
		if err != nil {
			return false
		}
		return absDelta(now, next) <= tolerance
	case KindOnce:
		// A one-time schedule with any recorded run is permanently not due.
		if lastRun != nil {
			return false
		}
		return absDelta(now, s.RunAt) <= tolerance
	default:
		return false
	}
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// ParseSpec parses a schedule string from config.
//
// Supported forms:
//   - Cron: "*/5 * * * *" (anything with internal whitespace), or "cron:<expr>"
//   - Interval: Go duration ("55m", "2h30m"), "<n> <unit>" with unit one of
//     seconds/minutes/hours/days/weeks, or "interval:"/"every:" prefix
//   - Once: RFC 3339 timestamp, or "once:"/"at:" prefix
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"cron:"} {
		if strings.HasPrefix(low, p) {
			expr := strings.TrimSpace(s[len(p):])
			if expr == "" {
				return Spec{}, fmt.Errorf("cron expression required after %q", p)
			}
			return Cron(expr)
		}
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(strings.TrimSpace(s[len(p):]))
			if err != nil {
				return Spec{}, err
			}
			return Interval(d), nil
		}
	}
	for _, p := range []string{"once:", "at:"} {
		if strings.HasPrefix(low, p) {
			t, err := time.Parse(time.RFC3339, strings.TrimSpace(s[len(p):]))
			if err != nil {
				return Spec{}, fmt.Errorf("invalid one-time schedule %q: %w", raw, err)
			}
			return Once(t), nil
		}
	}

	// Bare RFC 3339 => once.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Once(t), nil
	}

	// "<n> <unit>" => interval (the DSL's interval form).
	if d, ok := parseValueUnit(s); ok {
		return Interval(d), nil
	}

	// Remaining whitespace => cron.
	if strings.ContainsAny(s, " \t") {
		return Cron(s)
	}

	// Go duration => interval.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Interval(d), nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a duration like '55m', '5 minutes', or an RFC 3339 timestamp)",
		raw,
	)
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if d, ok := parseValueUnit(v); ok {
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use a Go duration like '55m' or '<n> <unit>')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

var intervalUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

func parseValueUnit(s string) (time.Duration, bool) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := strings.ToLower(strings.TrimSuffix(parts[1], "s"))
	u, ok := intervalUnits[unit]
	if !ok {
		return 0, false
	}
	return time.Duration(n) * u, true
}
