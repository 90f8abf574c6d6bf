package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"missiond/internal/schedule"
	logx "missiond/pkg/logx"
)

// Service owns the registered jobs and the due-check loop. One goroutine per
// run; the mutex guards job state, not execution.
type Service struct {
	cfg  Config
	log  logx.Logger
	exec Executor
	cb   Callbacks

	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	startedAt time.Time
	running   bool
	loaded    bool
	stopCh    chan struct{}
	loopDone  chan struct{}
	baseCtx   context.Context

	retryTimers map[string]*time.Timer
	retrySeq    uint64

	wg sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, exec Executor, log logx.Logger) *Service {
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		exec:        exec,
		jobs:        map[string]*Job{},
		retryTimers: map[string]*time.Timer{},
		now:         time.Now,
	}
}

// SetCallbacks installs the event subscribers. Call before Start.
func (s *Service) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Register adds a mission to the schedule. Registering an already known
// mission replaces its schedule and keeps its run history, so config reloads
// are idempotent.
func (s *Service) Register(mission string, spec *schedule.Spec) error {
	if spec == nil {
		return fmt.Errorf("register %s: %w", mission, ErrMissingSchedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[mission]; ok {
		existing.Spec = *spec
		existing.Enabled = true
		s.log.Debug("job re-registered", logx.String("job", mission), logx.String("schedule", spec.String()))
		return nil
	}
	s.jobs[mission] = &Job{ID: mission, Spec: *spec, Enabled: true}
	s.order = append(s.order, mission)
	s.log.Info("job registered", logx.String("job", mission), logx.String("schedule", spec.String()))
	return nil
}

// Start loads persisted history, runs one due check synchronously, then
// launches the tick loop. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already running")
		return nil
	}
	st := loadState(s.cfg.StatePath, s.log)
	for id, job := range s.jobs {
		if p, ok := st.Jobs[id]; ok {
			mergeLoaded(job, p)
		}
		s.refreshNextRunLocked(job)
	}
	s.loaded = true
	s.running = true
	s.startedAt = s.now().UTC()
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.baseCtx = ctx
	s.saveStateLocked()
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.order)),
		logx.Duration("check_interval", s.cfg.CheckInterval))

	s.checkDue()
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkDue()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the tick loop, cancels every pending retry timer, waits for
// in-flight runs to drain, and flushes state. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()

	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for running jobs")
	}

	s.mu.Lock()
	s.saveStateLocked()
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// checkDue scans jobs in registration order and launches or skips each due
// one. Tolerance equals the check interval, so a boundary that falls between
// ticks is neither missed nor fired twice.
func (s *Service) checkDue() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	now := s.now().UTC()
	type launch struct{ id string }
	var skips []Event
	var launches []launch
	for _, id := range s.order {
		job := s.jobs[id]
		if !job.Enabled {
			continue
		}
		if !job.Spec.IsDue(job.LastRun, now, s.cfg.CheckInterval) {
			continue
		}
		if job.running && job.Spec.SkipWhileRunning() {
			skips = append(skips, Event{
				Type:    EventSkipped,
				JobID:   id,
				Mission: id,
				Time:    now,
				Reason:  "Previous run still in progress",
			})
			continue
		}
		// Claim the slot before unlocking so the next tick sees it busy.
		job.running = true
		lr := now
		job.LastRun = &lr
		s.wg.Add(1)
		launches = append(launches, launch{id: id})
	}
	cb := s.cb
	ctx := s.baseCtx
	s.mu.Unlock()

	for _, e := range skips {
		s.log.Debug("job skipped", logx.String("job", e.JobID), logx.String("reason", e.Reason))
		cb.emit(e)
	}
	for _, l := range launches {
		go func(id string) {
			defer s.wg.Done()
			s.runJob(ctx, id)
		}(l.id)
	}
}

// runJob executes one claimed run: the caller has already set job.running and
// job.LastRun under the mutex.
func (s *Service) runJob(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	cb := s.cb
	retry := job.Spec.Retry
	started := s.now().UTC()
	s.mu.Unlock()

	s.log.Info("job starting", logx.String("job", id))
	cb.emit(Event{Type: EventStarted, JobID: id, Mission: id, Time: started})

	res, err := s.execute(ctx, id)
	finished := s.now().UTC()
	dur := finished.Sub(started)
	if err == nil && !res.Success {
		if len(res.Errors) > 0 {
			err = fmt.Errorf("mission reported failure: %s", res.Errors[0].Message)
		} else {
			err = fmt.Errorf("mission reported failure")
		}
	}

	s.mu.Lock()
	var retryNeeded bool
	var retryDelay time.Duration
	var attempt int
	if err == nil {
		job.RunCount++
		job.ConsecutiveFailures = 0
	} else {
		job.FailureCount++
		job.ConsecutiveFailures++
		if retry != nil && job.ConsecutiveFailures <= retry.MaxRetries {
			retryNeeded = true
			retryDelay = retry.Delay
			attempt = job.ConsecutiveFailures
		}
	}
	job.running = false
	s.refreshNextRunLocked(job)
	s.saveStateLocked()
	s.mu.Unlock()

	if err == nil {
		s.log.Info("job completed", logx.String("job", id), logx.Duration("duration", dur))
		cb.emit(Event{Type: EventCompleted, JobID: id, Mission: id, Time: finished, Duration: dur})
		return
	}

	s.log.Error("job failed", logx.String("job", id), logx.Duration("duration", dur), logx.Err(err))
	cb.emit(Event{Type: EventFailed, JobID: id, Mission: id, Time: finished, Duration: dur, Err: err.Error()})

	if retryNeeded {
		s.scheduleRetry(ctx, id, retryDelay, attempt)
	}
}

// execute shields the scheduler from a panicking executor.
func (s *Service) execute(ctx context.Context, id string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mission panicked: %v", r)
		}
	}()
	return s.exec.Execute(ctx, id)
}

// scheduleRetry arms a tracked one-shot timer. The timer re-checks the
// running flag at fire time: a Stop between arming and firing cancels the
// retry even if the timer already popped.
func (s *Service) scheduleRetry(ctx context.Context, id string, delay time.Duration, attempt int) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.retrySeq++
	timerID := fmt.Sprintf("%s#%d", id, s.retrySeq)
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retryTimers, timerID)
		if !s.running {
			s.mu.Unlock()
			return
		}
		job, ok := s.jobs[id]
		if !ok || !job.Enabled || job.running {
			s.mu.Unlock()
			return
		}
		job.running = true
		lr := s.now().UTC()
		job.LastRun = &lr
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		s.runJob(ctx, id)
	})
	s.retryTimers[timerID] = t
	s.mu.Unlock()

	s.log.Warn("job retry scheduled",
		logx.String("job", id),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay))
}

// Trigger runs a mission immediately, bypassing the due check. Returns false
// when the mission is unknown or already running.
func (s *Service) Trigger(mission string) bool {
	s.mu.Lock()
	job, ok := s.jobs[mission]
	if !ok || job.running {
		s.mu.Unlock()
		return false
	}
	job.running = true
	lr := s.now().UTC()
	job.LastRun = &lr
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runJob(ctx, mission)
	}()
	return true
}

// Enable re-admits a mission to the due check.
func (s *Service) Enable(mission string) bool {
	return s.setEnabled(mission, true)
}

// Disable removes a mission from the due check without losing its history.
func (s *Service) Disable(mission string) bool {
	return s.setEnabled(mission, false)
}

func (s *Service) setEnabled(mission string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[mission]
	if !ok {
		return false
	}
	job.Enabled = enabled
	s.saveStateLocked()
	return true
}

// Jobs returns a diagnostic snapshot in registration order.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		out = append(out, JobInfo{
			ID:                  job.ID,
			Schedule:            job.Spec.String(),
			Enabled:             job.Enabled,
			Running:             job.running,
			LastRun:             job.LastRun,
			NextRun:             job.NextRun,
			RunCount:            job.RunCount,
			FailureCount:        job.FailureCount,
			ConsecutiveFailures: job.ConsecutiveFailures,
		})
	}
	return out
}

func (s *Service) refreshNextRunLocked(job *Job) {
	base := s.now().UTC()
	if job.LastRun != nil && job.LastRun.After(base) {
		base = *job.LastRun
	}
	if next, ok := job.Spec.NextRunTime(base); ok {
		job.NextRun = &next
	} else {
		job.NextRun = nil
	}
}
