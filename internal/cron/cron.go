// Package cron implements the 5-field cron dialect used by mission schedules.
//
// The dialect intentionally diverges from traditional cron in one way:
// day-of-month and day-of-week must BOTH match (conjunction), whereas classic
// cron ORs the two when both are restricted. Existing missions depend on the
// conjunction behavior, so it must not be "fixed" here.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expression holds the expanded value sets of a parsed cron expression.
// Every set is deduplicated, sorted ascending, and within its field bounds.
type Expression struct {
	Minutes []int // 0-59
	Hours   []int // 0-23
	Dom     []int // 1-31
	Months  []int // 1-12
	Dow     []int // 0-6, Sunday=0

	source string
}

func (e *Expression) String() string { return e.source }

// ParseError describes a malformed cron expression.
type ParseError struct {
	Expression string
	Field      string // empty for expression-level errors (field count)
	Token      string
	Reason     string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cron %q: %s", e.Expression, e.Reason)
	}
	return fmt.Sprintf("cron %q: field %s: token %q: %s", e.Expression, e.Field, e.Token, e.Reason)
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse parses a 5-field cron expression (minute hour dom month dow).
//
// Supported per-field syntax: "*", "a", "a-b", "a-b/n", "*/n", and
// comma-separated lists of those. Any value outside the field's bounds is a
// ParseError, never silently clamped.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, &ParseError{
			Expression: expr,
			Reason:     fmt.Sprintf("expected 5 fields, got %d", len(parts)),
		}
	}

	var sets [5][]int
	for i, raw := range parts {
		vals, err := expandField(expr, fieldSpecs[i], raw)
		if err != nil {
			return nil, err
		}
		sets[i] = vals
	}

	return &Expression{
		Minutes: sets[0],
		Hours:   sets[1],
		Dom:     sets[2],
		Months:  sets[3],
		Dow:     sets[4],
		source:  expr,
	}, nil
}

func expandField(expr string, fs fieldSpec, raw string) ([]int, error) {
	seen := map[int]struct{}{}
	for _, tok := range strings.Split(raw, ",") {
		lo, hi, step, err := parseToken(expr, fs, tok)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v += step {
			seen[v] = struct{}{}
		}
	}

	vals := make([]int, 0, len(seen))
	for v := range seen {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	return vals, nil
}

func parseToken(expr string, fs fieldSpec, tok string) (lo, hi, step int, err error) {
	fail := func(reason string) (int, int, int, error) {
		return 0, 0, 0, &ParseError{Expression: expr, Field: fs.name, Token: tok, Reason: reason}
	}
	if tok == "" {
		return fail("empty token")
	}

	step = 1
	body := tok
	if idx := strings.IndexByte(tok, '/'); idx >= 0 {
		body = tok[:idx]
		s, convErr := strconv.Atoi(tok[idx+1:])
		if convErr != nil || s <= 0 {
			return fail("invalid step")
		}
		// Steps only apply to "*" or an explicit range.
		if body != "*" && !strings.Contains(body, "-") {
			return fail("step requires a range or *")
		}
		step = s
	}

	switch {
	case body == "*":
		lo, hi = fs.min, fs.max
	case strings.Contains(body, "-"):
		bounds := strings.SplitN(body, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil {
			return fail("invalid range")
		}
		if a > b {
			return fail("range start after end")
		}
		lo, hi = a, b
	default:
		v, convErr := strconv.Atoi(body)
		if convErr != nil {
			return fail("invalid value")
		}
		lo, hi = v, v
	}

	if lo < fs.min || hi > fs.max {
		return fail(fmt.Sprintf("value out of range %d-%d", fs.min, fs.max))
	}
	return lo, hi, step, nil
}

// searchWindow bounds Next's iteration. An expression that cannot match within
// ~4 years (e.g. day 31 in a 30-day month) is treated as impossible rather
// than looping forever.
const searchWindow = 4 * 366 * 24 * time.Hour

// ErrNoMatch is returned by Next when no matching time exists within the
// search window.
var ErrNoMatch = fmt.Errorf("cron: no matching time within %d days", int(searchWindow.Hours()/24))

// Next returns the first time strictly after `after` that matches the
// expression. Matching steps coarse-to-fine: month, then day-of-month AND
// day-of-week (both required), then hour, then minute.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(searchWindow)

	for t.Before(limit) {
		if !contains(e.Months, int(t.Month())) {
			// Jump to day 1 00:00 of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !contains(e.Dom, t.Day()) || !contains(e.Dow, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !contains(e.Hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !contains(e.Minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, ErrNoMatch
}

func contains(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
		if x > v {
			return false
		}
	}
	return false
}
