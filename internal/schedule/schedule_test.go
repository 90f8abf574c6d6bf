package schedule

import (
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron},
		{name: "duration", raw: "10m", kind: KindInterval, every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, every: 45 * time.Second},
		{name: "value unit", raw: "5 minutes", kind: KindInterval, every: 5 * time.Minute},
		{name: "weeks unit", raw: "2 weeks", kind: KindInterval, every: 14 * 24 * time.Hour},
		{name: "once rfc3339", raw: "2025-06-01T12:00:00Z", kind: KindOnce},
		{name: "prefixed once", raw: "once:2025-06-01T12:00:00Z", kind: KindOnce},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * * *", "-5m", "0 minutes"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q): expected error", raw)
		}
	}
}

func TestNextRunTimeMonotonic(t *testing.T) {
	t.Parallel()
	after := time.Date(2025, 1, 20, 10, 30, 0, 0, time.UTC)

	cronSpec, err := Cron("0 */6 * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}

	specs := []Spec{
		Interval(15 * time.Minute),
		cronSpec,
		Once(after.Add(time.Hour)),
	}
	for _, s := range specs {
		next, ok := s.NextRunTime(after)
		if !ok {
			t.Fatalf("%v: NextRunTime not ok", s)
		}
		if !next.After(after) {
			t.Fatalf("%v: next %v not strictly after %v", s, next, after)
		}
	}
}

func TestNextRunTimeCronScenario(t *testing.T) {
	t.Parallel()
	s, err := Cron("0 */6 * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	now := time.Date(2025, 1, 20, 10, 30, 0, 0, time.UTC)
	next, ok := s.NextRunTime(now)
	if !ok {
		t.Fatal("NextRunTime not ok")
	}
	want := time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextRunTime = %v, want %v", next, want)
	}
}

func TestOnceElapsedNeverRuns(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Once(at)

	if _, ok := s.NextRunTime(at); ok {
		t.Fatal("NextRunTime at the exact instant should not be ok (strictly after)")
	}
	if _, ok := s.NextRunTime(at.Add(time.Second)); ok {
		t.Fatal("NextRunTime after the instant should not be ok")
	}
	if next, ok := s.NextRunTime(at.Add(-time.Second)); !ok || !next.Equal(at) {
		t.Fatalf("NextRunTime before the instant = %v/%v, want %v/true", next, ok, at)
	}
}

func TestIsDueInterval(t *testing.T) {
	t.Parallel()
	s := Interval(10 * time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if !s.IsDue(nil, now, time.Second) {
		t.Fatal("interval with no lastRun should be due")
	}
	last := now.Add(-9 * time.Minute)
	if s.IsDue(&last, now, time.Second) {
		t.Fatal("interval 9m after lastRun should not be due")
	}
	last = now.Add(-10 * time.Minute)
	if !s.IsDue(&last, now, time.Second) {
		t.Fatal("interval exactly at boundary should be due")
	}
}

func TestIsDueCronTolerance(t *testing.T) {
	t.Parallel()
	s, err := Cron("0 12 * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	last := time.Date(2025, 1, 19, 12, 0, 0, 0, time.UTC)
	boundary := time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

	if !s.IsDue(&last, boundary, time.Second) {
		t.Fatal("exactly at the boundary should be due")
	}
	if !s.IsDue(&last, boundary.Add(500*time.Millisecond), time.Second) {
		t.Fatal("within tolerance after the boundary should be due")
	}
	if s.IsDue(&last, boundary.Add(2*time.Second), time.Second) {
		t.Fatal("past tolerance should not be due")
	}
	if s.IsDue(&last, boundary.Add(-time.Hour), time.Second) {
		t.Fatal("well before the boundary should not be due")
	}
}

func TestIsDueOnce(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)
	s := Once(at)

	if !s.IsDue(nil, at, time.Second) {
		t.Fatal("once at its instant should be due")
	}
	ran := at
	if s.IsDue(&ran, at, time.Second) {
		t.Fatal("once with a recorded run is permanently not due")
	}
	if s.IsDue(nil, at.Add(time.Minute), time.Second) {
		t.Fatal("once outside tolerance should not be due")
	}
}

func TestSkipWhileRunningDefault(t *testing.T) {
	t.Parallel()
	s := Interval(time.Minute)
	if !s.SkipWhileRunning() {
		t.Fatal("SkipIfRunning should default to true")
	}
	f := false
	s.SkipIfRunning = &f
	if s.SkipWhileRunning() {
		t.Fatal("explicit false should disable skip")
	}
}
