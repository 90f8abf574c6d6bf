package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusInterrupted is never written by a live run. It is assigned at the
	// next start when the latest record for a mission is still "running",
	// meaning the process died mid-run.
	StatusInterrupted Status = "interrupted"
)

// ActiveStep is the resume pointer: which action, which step inside it, and
// (inside a loop) which item index the run had reached.
type ActiveStep struct {
	Action    string `json:"action"`
	StepIndex int    `json:"step_index"`
	LoopIndex *int   `json:"loop_index,omitempty"`
	Item      any    `json:"item,omitempty"`
}

// ExecutionError records one failure inside a run.
type ExecutionError struct {
	Action  string    `json:"action,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExecutionRecord is the persisted progress of one mission run.
// Unknown fields in stored documents are ignored on load; missing fields take
// zero values rather than failing the load.
type ExecutionRecord struct {
	ExecutionID string           `json:"execution_id"`
	Mission     string           `json:"mission"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      Status           `json:"status"`
	ActionsRun  []string         `json:"actions_run"`
	ActiveStep  *ActiveStep      `json:"active_step,omitempty"`
	Errors      []ExecutionError `json:"errors,omitempty"`
}

// NewExecution starts a fresh running record for a mission.
func NewExecution(mission string, now time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ExecutionID: uuid.New().String(),
		Mission:     mission,
		StartedAt:   now.UTC(),
		Status:      StatusRunning,
	}
}

// MarkActionDone appends an action to the completed list exactly once.
func (r *ExecutionRecord) MarkActionDone(action string) {
	for _, a := range r.ActionsRun {
		if a == action {
			return
		}
	}
	r.ActionsRun = append(r.ActionsRun, action)
}

// Complete flips the record to completed and clears the resume pointer.
func (r *ExecutionRecord) Complete(now time.Time) {
	t := now.UTC()
	r.CompletedAt = &t
	r.Status = StatusCompleted
	r.ActiveStep = nil
}

// Fail flips the record to failed, keeping the resume pointer so a later
// resume request can pick up from the failed position.
func (r *ExecutionRecord) Fail(now time.Time, errs ...ExecutionError) {
	t := now.UTC()
	r.CompletedAt = &t
	r.Status = StatusFailed
	r.Errors = append(r.Errors, errs...)
}

// SyncCheckpoint is the incremental-sync baseline for one "{source}-{endpoint}"
// key. It is written only when the producing step completes successfully, so a
// crash mid-fetch cannot corrupt the baseline.
type SyncCheckpoint struct {
	LastSync    time.Time `json:"last_sync"`
	ItemsSynced int       `json:"items_synced"`
}

// SyncKey builds the sync-checkpoint map key.
func SyncKey(source, endpoint string) string { return source + "-" + endpoint }
