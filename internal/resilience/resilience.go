// Package resilience holds the per-(source, endpoint) failure-isolation state
// machines consulted by fetch steps before each outbound call: a circuit
// breaker and an adaptive rate limiter.
//
// Both are explicit instances owned by a Manager, never process-wide
// singletons, so multiple runtimes can coexist in tests.
package resilience

import "time"

// Key identifies one remote endpoint of one source.
type Key struct {
	Source   string
	Endpoint string
}

func (k Key) String() string { return k.Source + "-" + k.Endpoint }

// Manager bundles the breaker and limiter a pipeline consults.
type Manager struct {
	Breaker *CircuitBreaker
	Limiter *RateLimiter
}

func NewManager() *Manager {
	return &Manager{
		Breaker: NewCircuitBreaker(),
		Limiter: NewRateLimiter(),
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
