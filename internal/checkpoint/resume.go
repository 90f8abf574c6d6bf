package checkpoint

// ResumePlan tells the executor what to skip when re-running an interrupted
// or failed mission: completed actions entirely, and within the active action,
// loop iterations below the recorded index.
type ResumePlan struct {
	ExecutionID  string
	doneActions  map[string]struct{}
	activeAction string
	stepIndex    int
	loopIndex    int
}

// PlanResume derives a plan from the latest record. ok=false means there is
// nothing to resume (no record, or the run finished cleanly).
func PlanResume(rec *ExecutionRecord) (*ResumePlan, bool) {
	if rec == nil {
		return nil, false
	}
	if rec.Status != StatusInterrupted && rec.Status != StatusFailed {
		return nil, false
	}

	p := &ResumePlan{
		ExecutionID: rec.ExecutionID,
		doneActions: map[string]struct{}{},
	}
	for _, a := range rec.ActionsRun {
		p.doneActions[a] = struct{}{}
	}
	if rec.ActiveStep != nil {
		p.activeAction = rec.ActiveStep.Action
		p.stepIndex = rec.ActiveStep.StepIndex
		if rec.ActiveStep.LoopIndex != nil {
			p.loopIndex = *rec.ActiveStep.LoopIndex
		}
	}
	return p, true
}

// SkipAction reports whether an action completed in the prior run.
func (p *ResumePlan) SkipAction(name string) bool {
	if p == nil {
		return false
	}
	_, ok := p.doneActions[name]
	return ok
}

// LoopStart returns the first loop index to execute inside the given action.
// Iterations with index < LoopStart were already processed.
func (p *ResumePlan) LoopStart(action string) int {
	if p == nil || action != p.activeAction {
		return 0
	}
	return p.loopIndex
}

// StepStart returns the step index to re-enter inside the active action.
func (p *ResumePlan) StepStart(action string) int {
	if p == nil || action != p.activeAction {
		return 0
	}
	return p.stepIndex
}
