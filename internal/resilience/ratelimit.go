package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Acquire under the "fail" strategy when the
// remote quota is exhausted. Like ErrCircuitOpen it is recoverable-by-design.
var ErrRateLimited = errors.New("rate limit exhausted")

type Strategy string

const (
	// StrategyPause waits (capped at MaxWait) until the quota resets.
	StrategyPause Strategy = "pause"
	// StrategyThrottle proactively spaces calls to stay under the configured
	// rate even while quota remains.
	StrategyThrottle Strategy = "throttle"
	// StrategyFail returns ErrRateLimited immediately when quota is exhausted.
	StrategyFail Strategy = "fail"
)

// LimiterConfig tunes one endpoint's limiter. Zero fields take defaults.
type LimiterConfig struct {
	RequestsPerMinute int
	Strategy          Strategy
	MaxWait           time.Duration
	// Adaptive enables learning remaining/limit/reset from response headers.
	// Disabled, only the configured pacing applies.
	Adaptive *bool
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Strategy == "" {
		c.Strategy = StrategyPause
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 60 * time.Second
	}
	if c.Adaptive == nil {
		t := true
		c.Adaptive = &t
	}
	return c
}

func (c LimiterConfig) adaptive() bool { return c.Adaptive == nil || *c.Adaptive }

type limiterState struct {
	cfg   LimiterConfig
	pacer *rate.Limiter // throttle strategy only

	// Learned from response headers. haveRemaining distinguishes "never seen
	// a header" from a real zero.
	remaining     int
	limit         int
	haveRemaining bool
	resetAt       time.Time
	retryUntil    time.Time // from Retry-After on 429
}

// RateLimiter owns the per-(source, endpoint) pacing state.
type RateLimiter struct {
	mu       sync.Mutex
	defaults LimiterConfig
	m        map[Key]*limiterState

	now func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		defaults: LimiterConfig{}.withDefaults(),
		m:        map[Key]*limiterState{},
		now:      nowUTC,
	}
}

// Configure sets the config for one key; learned header state is preserved.
func (r *RateLimiter) Configure(key Key, cfg LimiterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.getLocked(key)
	st.cfg = cfg.withDefaults()
	st.pacer = newPacer(st.cfg)
}

func (r *RateLimiter) getLocked(key Key) *limiterState {
	st := r.m[key]
	if st == nil {
		st = &limiterState{cfg: r.defaults, pacer: newPacer(r.defaults)}
		r.m[key] = st
	}
	return st
}

func newPacer(cfg LimiterConfig) *rate.Limiter {
	if cfg.Strategy != StrategyThrottle {
		return nil
	}
	perSec := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return rate.NewLimiter(perSec, 1)
}

// Acquire gains permission for one outbound call. It may suspend the caller:
// pause waits out an exhausted quota, throttle additionally paces below the
// configured rate. fail returns ErrRateLimited instead of waiting.
func (r *RateLimiter) Acquire(ctx context.Context, key Key) error {
	r.mu.Lock()
	st := r.getLocked(key)
	cfg := st.cfg
	pacer := st.pacer
	wait := r.blockedForLocked(st)
	r.mu.Unlock()

	switch cfg.Strategy {
	case StrategyFail:
		if wait > 0 {
			return fmt.Errorf("%s: %w (resets in %s)", key, ErrRateLimited, wait.Round(time.Millisecond))
		}
		return nil
	case StrategyThrottle:
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
	}

	// pause (and throttle hitting exhaustion): wait until reset, capped.
	if wait > 0 {
		if wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// blockedForLocked returns how long the quota keeps us blocked, 0 if free.
func (r *RateLimiter) blockedForLocked(st *limiterState) time.Duration {
	now := r.now()
	var until time.Time
	if st.retryUntil.After(now) {
		until = st.retryUntil
	}
	if st.haveRemaining && st.remaining <= 0 && st.resetAt.After(now) && st.resetAt.After(until) {
		until = st.resetAt
	}
	if until.IsZero() {
		return 0
	}
	return until.Sub(now)
}

// Snapshot reports the last learned quota state for diagnostics.
func (r *RateLimiter) Snapshot(key Key) (remaining, limit int, resetAt time.Time, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.getLocked(key)
	return st.remaining, st.limit, st.resetAt, st.haveRemaining
}

// HandleResponse learns quota state from response headers
// (X-RateLimit-Remaining, X-RateLimit-Limit, X-RateLimit-Reset, and
// Retry-After on 429). Missing headers leave prior state untouched so the
// limiter degrades gracefully on APIs without rate-limit metadata.
func (r *RateLimiter) HandleResponse(key Key, resp *http.Response) {
	if resp == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getLocked(key)
	if !st.cfg.adaptive() {
		return
	}
	now := r.now()

	if v := headerInt(resp, "X-RateLimit-Remaining"); v != nil {
		st.remaining = *v
		st.haveRemaining = true
	}
	if v := headerInt(resp, "X-RateLimit-Limit"); v != nil {
		st.limit = *v
	}
	if raw := resp.Header.Get("X-RateLimit-Reset"); raw != "" {
		if t, ok := parseReset(raw, now); ok {
			st.resetAt = t
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
			st.retryUntil = now.Add(d)
		}
	}
}

func headerInt(resp *http.Response, name string) *int {
	raw := strings.TrimSpace(resp.Header.Get(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// parseReset accepts both epoch-seconds and delta-seconds reset headers.
func parseReset(raw string, now time.Time) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	if n > 1_000_000_000 {
		return time.Unix(n, 0).UTC(), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(raw); err == nil && t.After(now) {
		return t.Sub(now), true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
