// Package pipeline executes a mission as an ordered sequence of stages,
// writing an execution record after every state change so a killed process
// can resume instead of redoing finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"missiond/internal/checkpoint"
	"missiond/internal/resilience"
	logx "missiond/pkg/logx"
)

const defaultCheckpointEvery = 100

// Action is one named unit of mission work. Run receives a Flow scoped to
// this action for steps, loops, and guarded fetches.
type Action struct {
	Name string
	Run  func(ctx context.Context, f *Flow) error
}

// Stage is one element of a mission's sequence: a single action, or a
// parallel group. A parallel stage completes only when every action has
// settled; a failing action does not cancel its siblings unless FailFast is
// set.
//
// The execution record carries a single resume pointer, so inside a parallel
// group it reflects whichever action persisted last. On resume, actions that
// completed are still skipped exactly; an unfinished sibling whose position
// was overwritten restarts from its beginning, which is safe because step and
// loop bodies already tolerate replay up to the last checkpoint.
type Stage struct {
	Actions  []Action
	Parallel bool
	FailFast bool
}

// Sequence builds one single-action stage per action.
func Sequence(actions ...Action) []Stage {
	stages := make([]Stage, 0, len(actions))
	for _, a := range actions {
		stages = append(stages, Stage{Actions: []Action{a}})
	}
	return stages
}

// Mission is an ordered stage list. Stages run sequentially; a stage error
// fails the whole run.
type Mission struct {
	Name   string
	Stages []Stage
	// CheckpointEvery is the loop checkpoint stride (default 100): inside
	// Flow.Loop the record is persisted every N completed items.
	CheckpointEvery int
}

// Source is an upstream API fetch targets resolve against.
type Source struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Runner executes missions against a checkpoint store and a resilience
// manager. Safe for concurrent runs of different missions; the scheduler
// guarantees at most one run per mission.
type Runner struct {
	store checkpoint.Store
	res   *resilience.Manager
	log   logx.Logger

	mu       sync.RWMutex
	missions map[string]Mission
	sources  map[string]Source
	clients  map[string]*http.Client

	now func() time.Time
}

func NewRunner(store checkpoint.Store, res *resilience.Manager, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		store:    store,
		res:      res,
		log:      log,
		missions: map[string]Mission{},
		sources:  map[string]Source{},
		clients:  map[string]*http.Client{},
		now:      time.Now,
	}
}

// Define registers or replaces a mission.
func (r *Runner) Define(m Mission) {
	r.mu.Lock()
	r.missions[m.Name] = m
	r.mu.Unlock()
}

// RegisterSource registers or replaces an upstream source.
func (r *Runner) RegisterSource(s Source) {
	r.mu.Lock()
	r.sources[s.Name] = s
	r.clients[s.Name] = &http.Client{Timeout: s.Timeout}
	r.mu.Unlock()
}

// runState serializes execution-record mutation and persistence: parallel
// actions share one record, and a marshal concurrent with a mutation would
// race.
type runState struct {
	mu  sync.Mutex
	rec *checkpoint.ExecutionRecord
}

// update applies fn to the record and persists it atomically with respect to
// other actions of the same run.
func (rs *runState) update(ctx context.Context, store checkpoint.Store, fn func(rec *checkpoint.ExecutionRecord)) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(rs.rec)
	if err := store.SaveExecution(ctx, rs.rec); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// Run executes one mission to completion. When the latest record for the
// mission is resumable (interrupted or failed), the run continues that record:
// completed actions are skipped and the active action re-enters at its
// recorded step and loop index.
func (r *Runner) Run(ctx context.Context, name string) error {
	r.mu.RLock()
	m, ok := r.missions[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown mission %q", name)
	}

	latest, err := r.store.LatestExecution(ctx, name)
	if err != nil {
		return fmt.Errorf("load latest execution: %w", err)
	}
	plan, resuming := checkpoint.PlanResume(latest)

	var rec *checkpoint.ExecutionRecord
	if resuming {
		rec = latest
		rec.Status = checkpoint.StatusRunning
		rec.CompletedAt = nil
		r.log.Info("resuming execution",
			logx.String("mission", name),
			logx.String("execution_id", rec.ExecutionID),
			logx.Int("actions_done", len(rec.ActionsRun)))
	} else {
		rec = checkpoint.NewExecution(name, r.now())
		r.log.Info("starting execution",
			logx.String("mission", name),
			logx.String("execution_id", rec.ExecutionID))
	}
	rs := &runState{rec: rec}
	if err := rs.update(ctx, r.store, func(*checkpoint.ExecutionRecord) {}); err != nil {
		return err
	}

	stride := m.CheckpointEvery
	if stride <= 0 {
		stride = defaultCheckpointEvery
	}

	for _, st := range m.Stages {
		if err := r.runStage(ctx, name, st, rs, plan, stride); err != nil {
			r.log.Error("execution failed", logx.String("mission", name), logx.Err(err))
			return err
		}
	}

	if err := rs.update(ctx, r.store, func(rec *checkpoint.ExecutionRecord) {
		rec.Complete(r.now())
	}); err != nil {
		return err
	}
	r.log.Info("execution completed",
		logx.String("mission", name),
		logx.String("execution_id", rec.ExecutionID))
	return nil
}

func (r *Runner) runStage(ctx context.Context, mission string, st Stage, rs *runState, plan *checkpoint.ResumePlan, stride int) error {
	pending := make([]Action, 0, len(st.Actions))
	for _, a := range st.Actions {
		if plan.SkipAction(a.Name) {
			r.log.Debug("action already completed, skipping",
				logx.String("mission", mission), logx.String("action", a.Name))
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		return nil
	}

	if !st.Parallel || len(pending) == 1 {
		for _, a := range pending {
			if err := r.runOne(ctx, mission, a, rs, plan, stride); err != nil {
				return err
			}
		}
		return nil
	}

	// Parallel group: all actions settle before the stage does. FailFast
	// cancels the siblings' context on the first error; without it a failed
	// sibling is only reported after everyone finished.
	gctx := ctx
	cancel := func() {}
	if st.FailFast {
		gctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(pending))
	for i, a := range pending {
		wg.Add(1)
		go func(i int, a Action) {
			defer wg.Done()
			if err := r.runOne(gctx, mission, a, rs, plan, stride); err != nil {
				errs[i] = err
				if st.FailFast {
					cancel()
				}
			}
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// runOne executes a single action: advance the resume pointer, run the body,
// and either mark it done or fail the record.
func (r *Runner) runOne(ctx context.Context, mission string, a Action, rs *runState, plan *checkpoint.ResumePlan, stride int) error {
	f := &Flow{
		runner:    r,
		rs:        rs,
		plan:      plan,
		action:    a.Name,
		stride:    stride,
		stepStart: plan.StepStart(a.Name),
	}
	if err := rs.update(ctx, r.store, func(rec *checkpoint.ExecutionRecord) {
		rec.ActiveStep = &checkpoint.ActiveStep{Action: a.Name, StepIndex: f.stepStart}
	}); err != nil {
		return err
	}

	if err := r.runBody(ctx, a, f); err != nil {
		if saveErr := rs.update(ctx, r.store, func(rec *checkpoint.ExecutionRecord) {
			rec.Fail(r.now(), checkpoint.ExecutionError{
				Action:  a.Name,
				Message: err.Error(),
				At:      r.now().UTC(),
			})
		}); saveErr != nil {
			r.log.Error("failed execution record not saved", logx.Err(saveErr))
		}
		r.log.Error("action failed",
			logx.String("mission", mission), logx.String("action", a.Name), logx.Err(err))
		return fmt.Errorf("action %s: %w", a.Name, err)
	}

	return rs.update(ctx, r.store, func(rec *checkpoint.ExecutionRecord) {
		rec.MarkActionDone(a.Name)
		rec.ActiveStep = nil
	})
}

// runBody shields the runner from a panicking action body.
func (r *Runner) runBody(ctx context.Context, a Action, f *Flow) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panicked: %v", rec)
		}
	}()
	return a.Run(ctx, f)
}

// Flow is the per-action handle passed to action bodies.
type Flow struct {
	runner    *Runner
	rs        *runState
	plan      *checkpoint.ResumePlan
	action    string
	stride    int
	stepStart int
	stepIndex int
}

// Step runs one numbered sub-unit of the action. On resume, steps before the
// recorded step index are skipped; the surviving resume pointer is advanced
// before fn runs so a crash inside fn re-enters at the same step.
func (f *Flow) Step(ctx context.Context, fn func(ctx context.Context) error) error {
	idx := f.stepIndex
	f.stepIndex++
	if idx < f.stepStart {
		return nil
	}
	if err := f.rs.update(ctx, f.runner.store, func(rec *checkpoint.ExecutionRecord) {
		rec.ActiveStep = &checkpoint.ActiveStep{Action: f.action, StepIndex: idx}
	}); err != nil {
		return err
	}
	return fn(ctx)
}

// Loop iterates fn over n items, persisting the loop index every stride
// items. On resume inside this action, iterations below the recorded index
// are skipped. The recorded index is the next item to process, so a crash
// between checkpoints redoes at most stride-1 items; fn must tolerate that.
func (f *Flow) Loop(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	start := f.plan.LoopStart(f.action)
	if start > 0 {
		f.runner.log.Info("resuming loop",
			logx.String("action", f.action),
			logx.Int("start_index", start))
	}
	for i := start; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, i); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		done := i + 1
		if done%f.stride == 0 && done < n {
			if err := f.rs.update(ctx, f.runner.store, func(rec *checkpoint.ExecutionRecord) {
				idx := done
				rec.ActiveStep = &checkpoint.ActiveStep{
					Action:    f.action,
					StepIndex: f.stepIndex,
					LoopIndex: &idx,
				}
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
