package config

import (
	"reflect"
	"sort"
	"strings"

	logx "missiond/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections, structured
// attrs safe for logging, and the mission names whose definition changed.
// Used on reload so the log shows what a config edit actually touched.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.check_interval", newCfg.Scheduler.CheckInterval))
	}

	if oldCfg.StateDirOrDefault() != newCfg.StateDirOrDefault() {
		changed = append(changed, "state_dir")
		attrs = append(attrs, logx.String("state_dir", newCfg.StateDirOrDefault()))
	}

	if !reflect.DeepEqual(oldCfg.Checkpoints, newCfg.Checkpoints) {
		changed = append(changed, "checkpoints")
	}

	changedMissions := diffMissions(oldCfg.Missions, newCfg.Missions)
	if len(changedMissions) > 0 {
		changed = append(changed, "missions")
		attrs = append(attrs,
			logx.Int("missions.changed", len(changedMissions)),
			logx.String("missions.names", strings.Join(changedMissions, ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs, logx.Int("sources.count", len(newCfg.Sources)))
	}

	return changed, attrs, changedMissions
}

func diffMissions(oldM, newM map[string]MissionConfig) []string {
	names := map[string]struct{}{}
	for name, oldDef := range oldM {
		newDef, ok := newM[name]
		if !ok || !reflect.DeepEqual(oldDef, newDef) {
			names[name] = struct{}{}
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			names[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
