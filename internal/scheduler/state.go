package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	logx "missiond/pkg/logx"
)

// persistedJob is the durable slice of a Job. The schedule itself is not
// persisted: it always comes from registration, so a config change takes
// effect on restart while run history survives.
type persistedJob struct {
	ID                  string     `json:"id"`
	Enabled             bool       `json:"enabled"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty"`
	RunCount            int        `json:"run_count"`
	FailureCount        int        `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

type persistedState struct {
	Jobs        map[string]persistedJob `json:"jobs"`
	StartedAt   time.Time               `json:"started_at"`
	LastUpdated time.Time               `json:"last_updated"`
}

// loadState reads the scheduler state document. A missing or undecodable file
// yields an empty state: persistence failures never block scheduling.
func loadState(path string, log logx.Logger) persistedState {
	empty := persistedState{Jobs: map[string]persistedJob{}}
	if path == "" {
		return empty
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("scheduler state unreadable, starting fresh", logx.String("path", path), logx.Err(err))
		}
		return empty
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		log.Warn("scheduler state corrupt, starting fresh", logx.String("path", path), logx.Err(err))
		return empty
	}
	if st.Jobs == nil {
		st.Jobs = map[string]persistedJob{}
	}
	return st
}

// mergeLoaded folds persisted run history into a registered job. The
// registration keeps authority over schedule and enablement; the loaded state
// keeps authority over history.
func mergeLoaded(job *Job, p persistedJob) {
	job.LastRun = p.LastRun
	job.NextRun = p.NextRun
	job.RunCount = p.RunCount
	job.FailureCount = p.FailureCount
	job.ConsecutiveFailures = p.ConsecutiveFailures
}

// saveStateLocked snapshots all jobs to the state document. Callers hold
// s.mu. Write errors are logged and swallowed. Nothing is written before
// Start has merged the on-disk history: Enable/Disable calls made while
// wiring up the service would otherwise clobber the previous process's
// counters with zeroes.
func (s *Service) saveStateLocked() {
	if s.cfg.StatePath == "" || !s.loaded {
		return
	}
	st := persistedState{
		Jobs:        make(map[string]persistedJob, len(s.jobs)),
		StartedAt:   s.startedAt,
		LastUpdated: s.now().UTC(),
	}
	for id, job := range s.jobs {
		st.Jobs[id] = persistedJob{
			ID:                  job.ID,
			Enabled:             job.Enabled,
			LastRun:             job.LastRun,
			NextRun:             job.NextRun,
			RunCount:            job.RunCount,
			FailureCount:        job.FailureCount,
			ConsecutiveFailures: job.ConsecutiveFailures,
		}
	}
	if err := writeStateAtomic(s.cfg.StatePath, st); err != nil {
		s.log.Warn("scheduler state write failed", logx.String("path", s.cfg.StatePath), logx.Err(err))
	}
}

func writeStateAtomic(path string, st persistedState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
