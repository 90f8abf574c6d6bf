package config

import (
	"fmt"
	"strings"
	"time"

	"missiond/internal/resilience"
	"missiond/internal/schedule"
)

// Config is the whole missiond configuration document. JSON and YAML are both
// accepted; YAML is coerced to JSON so one strict decoder covers both.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// StateDir holds the scheduler state document and checkpoint records.
	// Default: ".missiond-data".
	StateDir string `json:"state_dir,omitempty"`

	Checkpoints *CheckpointConfig `json:"checkpoints,omitempty"`

	// Missions are scheduled sync jobs, keyed by mission name.
	Missions map[string]MissionConfig `json:"missions"`

	// Sources are upstream APIs, keyed by source name. Circuit breakers and
	// rate limiters are configured per source and applied per endpoint.
	Sources map[string]SourceConfig `json:"sources,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the due-check loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// CheckInterval is how often due schedules are evaluated. Default "1s".
	CheckInterval string `json:"check_interval,omitempty"`
}

// CheckpointConfig controls the execution record store.
type CheckpointConfig struct {
	// Driver is "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MissionConfig declares one scheduled mission.
type MissionConfig struct {
	// Schedule is required: a cron expression ("*/15 * * * *"), an interval
	// ("30m", "every:6 hours"), or a one-time timestamp ("at:<RFC3339>").
	Schedule string `json:"schedule"`

	// Enabled is a pointer so "omitted" defaults to true while an explicit
	// false disables the mission without deleting its history.
	Enabled *bool `json:"enabled,omitempty"`

	// SkipIfRunning defaults to true: a due tick while the previous run is
	// still in flight is skipped, not queued.
	SkipIfRunning *bool `json:"skip_if_running,omitempty"`

	RetryOnFailure *RetryConfig `json:"retry_on_failure,omitempty"`

	// Source and Endpoints bind the mission to upstream fetches. Each
	// endpoint becomes one fetch action guarded by the source's breaker
	// and limiter.
	Source    string   `json:"source,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`

	// Parallel fetches all endpoints concurrently as one stage. FailFast
	// cancels the remaining fetches when one fails.
	Parallel bool `json:"parallel,omitempty"`
	FailFast bool `json:"fail_fast,omitempty"`

	// CheckpointEvery is the per-item loop checkpoint stride. Default 100.
	CheckpointEvery int `json:"checkpoint_every,omitempty"`
}

type RetryConfig struct {
	MaxRetries int `json:"max_retries"`
	// Delay is a Go duration string between retry attempts.
	Delay string `json:"delay"`
}

// SourceConfig declares one upstream API.
type SourceConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is the per-request HTTP timeout, a Go duration string.
	Timeout string `json:"timeout,omitempty"`

	CircuitBreaker *BreakerConfigRaw   `json:"circuit_breaker,omitempty"`
	RateLimit      *RateLimitConfigRaw `json:"rate_limit,omitempty"`
}

// BreakerConfigRaw is the wire form of a circuit breaker config.
// Omitted fields keep the built-in defaults (5 failures / 30s window,
// 30s reset, 2 probe successes).
type BreakerConfigRaw struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	FailureWindow    string `json:"failure_window,omitempty"`
}

// RateLimitConfigRaw is the wire form of a rate limiter config.
type RateLimitConfigRaw struct {
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	Strategy          string `json:"strategy,omitempty"` // pause | throttle | fail
	MaxWait           string `json:"max_wait,omitempty"`
	Adaptive          *bool  `json:"adaptive,omitempty"`
}

// EnabledOrDefault reports the mission's enablement, defaulting to true.
func (m MissionConfig) EnabledOrDefault() bool {
	return m.Enabled == nil || *m.Enabled
}

// Spec parses the mission's schedule string into a runnable spec.
func (m MissionConfig) Spec(name string) (*schedule.Spec, error) {
	raw := strings.TrimSpace(m.Schedule)
	if raw == "" {
		return nil, fmt.Errorf("missions.%s: schedule is required", name)
	}
	spec, err := schedule.ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("missions.%s: %w", name, err)
	}
	spec.SkipIfRunning = m.SkipIfRunning
	if m.RetryOnFailure != nil {
		delay, err := parseDuration(fmt.Sprintf("missions.%s.retry_on_failure.delay", name), m.RetryOnFailure.Delay)
		if err != nil {
			return nil, err
		}
		if m.RetryOnFailure.MaxRetries < 0 {
			return nil, fmt.Errorf("missions.%s.retry_on_failure.max_retries must be >= 0", name)
		}
		spec.Retry = &schedule.RetryPolicy{MaxRetries: m.RetryOnFailure.MaxRetries, Delay: delay}
	}
	return &spec, nil
}

// BreakerConfig converts the wire form, leaving zero values for the
// resilience package to default.
func (s SourceConfig) BreakerConfig(name string) (resilience.BreakerConfig, error) {
	var cfg resilience.BreakerConfig
	raw := s.CircuitBreaker
	if raw == nil {
		return cfg, nil
	}
	var err error
	cfg.FailureThreshold = raw.FailureThreshold
	if cfg.ResetTimeout, err = parseDuration(fmt.Sprintf("sources.%s.circuit_breaker.reset_timeout", name), raw.ResetTimeout); err != nil {
		return cfg, err
	}
	cfg.SuccessThreshold = raw.SuccessThreshold
	if cfg.FailureWindow, err = parseDuration(fmt.Sprintf("sources.%s.circuit_breaker.failure_window", name), raw.FailureWindow); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LimiterConfig converts the wire form, leaving zero values for the
// resilience package to default.
func (s SourceConfig) LimiterConfig(name string) (resilience.LimiterConfig, error) {
	var cfg resilience.LimiterConfig
	raw := s.RateLimit
	if raw == nil {
		return cfg, nil
	}
	cfg.RequestsPerMinute = raw.RequestsPerMinute
	cfg.Adaptive = raw.Adaptive
	switch strings.TrimSpace(raw.Strategy) {
	case "":
	case string(resilience.StrategyPause):
		cfg.Strategy = resilience.StrategyPause
	case string(resilience.StrategyThrottle):
		cfg.Strategy = resilience.StrategyThrottle
	case string(resilience.StrategyFail):
		cfg.Strategy = resilience.StrategyFail
	default:
		return cfg, fmt.Errorf("sources.%s.rate_limit.strategy: unknown strategy %q", name, raw.Strategy)
	}
	var err error
	if cfg.MaxWait, err = parseDuration(fmt.Sprintf("sources.%s.rate_limit.max_wait", name), raw.MaxWait); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CheckInterval parses scheduler.check_interval, defaulting to 1s.
func (s SchedulerConfig) Interval() (time.Duration, error) {
	d, err := parseDuration("scheduler.check_interval", s.CheckInterval)
	if err != nil || d > 0 {
		return d, err
	}
	return time.Second, nil
}

// RequestTimeout parses the per-request HTTP timeout, defaulting to 30s.
func (s SourceConfig) RequestTimeout(name string) (time.Duration, error) {
	d, err := parseDuration(fmt.Sprintf("sources.%s.timeout", name), s.Timeout)
	if err != nil || d > 0 {
		return d, err
	}
	return 30 * time.Second, nil
}

// BusyWait parses checkpoints.busy_timeout; zero means the driver default.
func (c *CheckpointConfig) BusyWait() (time.Duration, error) {
	return parseDuration("checkpoints.busy_timeout", c.BusyTimeout)
}

// parseDuration parses an optional duration-typed field. Empty means unset
// (zero); path names the offending field in errors.
func parseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// StateDirOrDefault returns the state directory, defaulting to ".missiond-data".
func (c *Config) StateDirOrDefault() string {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		return dir
	}
	return ".missiond-data"
}

// Validate cross-checks the document: every mission needs a parseable
// schedule, every referenced source must exist, and source blocks must
// convert cleanly.
func (c *Config) Validate() error {
	if len(c.Missions) == 0 {
		return fmt.Errorf("config declares no missions")
	}
	for name, m := range c.Missions {
		if _, err := m.Spec(name); err != nil {
			return err
		}
		if m.Source != "" {
			if _, ok := c.Sources[m.Source]; !ok {
				return fmt.Errorf("missions.%s: unknown source %q", name, m.Source)
			}
		}
		if m.Source == "" && len(m.Endpoints) > 0 {
			return fmt.Errorf("missions.%s: endpoints require a source", name)
		}
		if m.CheckpointEvery < 0 {
			return fmt.Errorf("missions.%s: checkpoint_every must be >= 0", name)
		}
	}
	for name, s := range c.Sources {
		if strings.TrimSpace(s.BaseURL) == "" {
			return fmt.Errorf("sources.%s: base_url is required", name)
		}
		if _, err := s.RequestTimeout(name); err != nil {
			return err
		}
		if _, err := s.BreakerConfig(name); err != nil {
			return err
		}
		if _, err := s.LimiterConfig(name); err != nil {
			return err
		}
	}
	if _, err := c.Scheduler.Interval(); err != nil {
		return err
	}
	if c.Checkpoints != nil {
		switch strings.TrimSpace(c.Checkpoints.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("checkpoints.driver: unknown driver %q", c.Checkpoints.Driver)
		}
		if _, err := c.Checkpoints.BusyWait(); err != nil {
			return err
		}
	}
	return nil
}
