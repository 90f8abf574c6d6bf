package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by EnsureCanProceed while a circuit is open and
// its cooldown has not elapsed. It is a recoverable signal for the pipeline's
// own retry logic, not a scheduler-fatal error.
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes one circuit. Zero fields take defaults.
type BreakerConfig struct {
	FailureThreshold int           // failures within FailureWindow that open the circuit
	ResetTimeout     time.Duration // open -> half_open probe delay
	SuccessThreshold int           // half_open successes required to close
	FailureWindow    time.Duration // sliding window for counted failures
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	return c
}

type circuit struct {
	cfg       BreakerConfig
	state     BreakerState
	failures  []time.Time // within cfg.FailureWindow, oldest first
	successes int         // consecutive, half_open only
	openedAt  time.Time
}

// CircuitBreaker owns all circuits, keyed by (source, endpoint).
// All per-key mutation is serialized under one mutex: fetches may run from
// concurrent parallel-stage actions.
type CircuitBreaker struct {
	mu       sync.Mutex
	defaults BreakerConfig
	m        map[Key]*circuit

	now func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		defaults: BreakerConfig{}.withDefaults(),
		m:        map[Key]*circuit{},
		now:      nowUTC,
	}
}

// Configure sets the config for one key. Call before first use; an existing
// circuit keeps its state but adopts the new thresholds.
func (b *CircuitBreaker) Configure(key Key, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getLocked(key).cfg = cfg.withDefaults()
}

func (b *CircuitBreaker) getLocked(key Key) *circuit {
	c := b.m[key]
	if c == nil {
		c = &circuit{cfg: b.defaults, state: StateClosed}
		b.m[key] = c
	}
	return c
}

// State returns the current state for diagnostics.
func (b *CircuitBreaker) State(key Key) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(key).state
}

// RecordSuccess feeds one successful call into the circuit.
func (b *CircuitBreaker) RecordSuccess(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getLocked(key)
	switch c.state {
	case StateClosed:
		c.failures = nil
	case StateHalfOpen:
		c.successes++
		if c.successes >= c.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failures = nil
			c.successes = 0
			c.openedAt = time.Time{}
		}
	}
}

// RecordFailure feeds one failed call into the circuit.
func (b *CircuitBreaker) RecordFailure(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.getLocked(key)
	c.failures = append(pruneWindow(c.failures, now, c.cfg.FailureWindow), now)

	switch c.state {
	case StateClosed:
		if len(c.failures) >= c.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = now
		}
	case StateHalfOpen:
		// Any failure during the probe re-opens immediately.
		c.state = StateOpen
		c.openedAt = now
		c.successes = 0
	}
}

// CanProceed reports whether a call may be attempted. When an open circuit's
// reset timeout has elapsed it moves to half_open and allows the probe.
func (b *CircuitBreaker) CanProceed(key Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canProceedLocked(key)
}

func (b *CircuitBreaker) canProceedLocked(key Key) bool {
	c := b.getLocked(key)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= c.cfg.ResetTimeout {
			c.state = StateHalfOpen
			c.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// EnsureCanProceed is the hot-path variant used immediately before a network
// call: same check as CanProceed but fails with ErrCircuitOpen.
func (b *CircuitBreaker) EnsureCanProceed(key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.canProceedLocked(key) {
		return nil
	}
	c := b.getLocked(key)
	wait := c.cfg.ResetTimeout - b.now().Sub(c.openedAt)
	return fmt.Errorf("%s: %w (retry in %s)", key, ErrCircuitOpen, wait.Round(time.Millisecond))
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
