package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"missiond/internal/resilience"
	"missiond/internal/schedule"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  check_interval: 500ms
state_dir: /var/lib/missiond
checkpoints:
  driver: file
missions:
  sync-customers:
    schedule: "*/15 * * * *"
    skip_if_running: true
    retry_on_failure:
      max_retries: 3
      delay: 30s
    source: crm
    endpoints: [customers, orders]
    checkpoint_every: 250
  nightly-report:
    schedule: "0 2 * * *"
    enabled: false
sources:
  crm:
    base_url: https://crm.example.com/api
    timeout: 10s
    circuit_breaker:
      failure_threshold: 5
      reset_timeout: 30s
    rate_limit:
      requests_per_minute: 120
      strategy: throttle
      max_wait: 45s
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "missiond.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if got, err := cfg.Scheduler.Interval(); err != nil || got != 500*time.Millisecond {
		t.Fatalf("check_interval = %v/%v", got, err)
	}
	if cfg.StateDirOrDefault() != "/var/lib/missiond" {
		t.Fatalf("state_dir = %q", cfg.StateDirOrDefault())
	}

	mc, ok := cfg.Missions["sync-customers"]
	if !ok {
		t.Fatal("mission sync-customers missing")
	}
	spec, err := mc.Spec("sync-customers")
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Kind != schedule.KindCron {
		t.Fatalf("kind = %v, want cron", spec.Kind)
	}
	if spec.Retry == nil || spec.Retry.MaxRetries != 3 || spec.Retry.Delay != 30*time.Second {
		t.Fatalf("retry = %+v", spec.Retry)
	}
	if !mc.EnabledOrDefault() {
		t.Fatal("omitted enabled must default to true")
	}
	if nightly := cfg.Missions["nightly-report"]; nightly.EnabledOrDefault() {
		t.Fatal("explicit enabled=false ignored")
	}

	src := cfg.Sources["crm"]
	bc, err := src.BreakerConfig("crm")
	if err != nil || bc.FailureThreshold != 5 || bc.ResetTimeout != 30*time.Second {
		t.Fatalf("breaker = %+v / %v", bc, err)
	}
	lc, err := src.LimiterConfig("crm")
	if err != nil || lc.Strategy != resilience.StrategyThrottle || lc.RequestsPerMinute != 120 {
		t.Fatalf("limiter = %+v / %v", lc, err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "state_dir:", "state_dirr:", 1)
	m := NewManager(writeConfig(t, "missiond.yaml", body))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"no missions", func(c *Config) { c.Missions = nil }, "no missions"},
		{"missing schedule", func(c *Config) {
			mc := c.Missions["sync-customers"]
			mc.Schedule = ""
			c.Missions["sync-customers"] = mc
		}, "schedule is required"},
		{"bad schedule", func(c *Config) {
			mc := c.Missions["sync-customers"]
			mc.Schedule = "every fortnight"
			c.Missions["sync-customers"] = mc
		}, "sync-customers"},
		{"unknown source", func(c *Config) {
			mc := c.Missions["sync-customers"]
			mc.Source = "nope"
			c.Missions["sync-customers"] = mc
		}, "unknown source"},
		{"missing base_url", func(c *Config) {
			sc := c.Sources["crm"]
			sc.BaseURL = " "
			c.Sources["crm"] = sc
		}, "base_url"},
		{"bad strategy", func(c *Config) {
			sc := c.Sources["crm"]
			sc.RateLimit = &RateLimitConfigRaw{Strategy: "block"}
			c.Sources["crm"] = sc
		}, "unknown strategy"},
		{"bad driver", func(c *Config) {
			c.Checkpoints = &CheckpointConfig{Driver: "postgres"}
		}, "unknown driver"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "missiond.yaml", sampleYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mut(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "missiond.yaml", sampleYAML))
	oldCfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	newCfg := *oldCfg
	newCfg.Logging.Level = "info"
	newCfg.Missions = map[string]MissionConfig{}
	for k, v := range oldCfg.Missions {
		newCfg.Missions[k] = v
	}
	mc := newCfg.Missions["sync-customers"]
	mc.Schedule = "*/30 * * * *"
	newCfg.Missions["sync-customers"] = mc

	changed, _, missions := SummarizeChange(oldCfg, &newCfg)
	if !contains(changed, "logging") || !contains(changed, "missions") {
		t.Fatalf("changed = %v", changed)
	}
	if contains(changed, "sources") {
		t.Fatalf("sources reported changed: %v", changed)
	}
	if len(missions) != 1 || missions[0] != "sync-customers" {
		t.Fatalf("missions = %v", missions)
	}
}

func TestDecodeDocument(t *testing.T) {
	t.Parallel()
	cfg, err := decodeDocument("missiond.json", []byte(`{"missions":{"m":{"schedule":"30m"}}}`))
	if err != nil {
		t.Fatalf("decodeDocument: %v", err)
	}
	if _, ok := cfg.Missions["m"]; !ok {
		t.Fatalf("missions = %+v", cfg.Missions)
	}
	if _, err := decodeDocument("missiond.json", []byte(`{"missions":{}} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
	if _, err := decodeDocument("missiond.yaml", []byte("missions: [broken")); err == nil {
		t.Fatal("broken yaml accepted")
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	if d, err := parseDuration("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v/%v", d, err)
	}
	if _, err := parseDuration("x", "soon"); err == nil {
		t.Fatal("invalid duration accepted")
	}
	if _, err := parseDuration("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	src := SourceConfig{BaseURL: "https://crm.example.com"}
	if d, err := src.RequestTimeout("crm"); err != nil || d != 30*time.Second {
		t.Fatalf("timeout default not applied: %v/%v", d, err)
	}
	if _, err := (SourceConfig{Timeout: "never"}).RequestTimeout("crm"); err == nil {
		t.Fatal("bad timeout accepted")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
