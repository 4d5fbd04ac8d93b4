// Package task defines the broker's task model and the in-memory registry
// that owns admission, idempotency, and lifecycle bookkeeping.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// CountsAgainstCap reports whether a task in this status occupies an
// admission slot. Paused tasks hold no slot: their worker is suspended.
func (s Status) CountsAgainstCap() bool {
	return s == StatusQueued || s == StatusRunning
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusQueued:
		// Failed directly from queued covers admission-time failures (e.g.
		// workspace creation); started_at stays unset for those.
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed ||
			to == StatusTimeout || to == StatusCancelled
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelled
	default:
		return false
	}
}

// Task is the broker-side record of one delegated execution. It is mutated
// only through Registry operations; accessors hand out copies.
type Task struct {
	ID             string `json:"task_id"`
	CallerID       string `json:"caller_id"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	WorkspaceID string `json:"workspace_id,omitempty"`
	RoomHandle  string `json:"room_handle,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Counts is a point-in-time census of the registry, used by health
// reporting and metrics.
type Counts struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Paused   int `json:"paused"`
	Terminal int `json:"terminal"`
}

// Active returns the number of tasks holding an admission slot.
func (c Counts) Active() int {
	return c.Queued + c.Running
}

// TransitionParams holds optional fields applied alongside a status change.
type TransitionParams struct {
	WorkspaceID *string
	ErrorText   *string
}

// TransitionOption customises an UpdateStatus call.
type TransitionOption func(*TransitionParams)

// WithWorkspaceID records the workspace id alongside the status change.
func WithWorkspaceID(id string) TransitionOption {
	return func(p *TransitionParams) { p.WorkspaceID = &id }
}

// WithErrorText records a failure message alongside the status change.
func WithErrorText(errText string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorText = &errText }
}
