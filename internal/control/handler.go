// Package control applies cancel, pause, and resume signals to running
// tasks. The handler validates the state machine against the registry,
// drives the execution adapter, and mirrors the applied signal into the
// workspace document and the task's chat room.
package control

import (
	"context"
	"fmt"

	"errand/internal/logging"
	"errand/internal/rooms"
	"errand/internal/runner"
	"errand/internal/task"
	"errand/internal/workspace"
)

// Signal is one of the caller-issued control verbs.
type Signal string

const (
	SignalCancel Signal = "cancel"
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
)

// Valid reports whether the verb is one the handler knows.
func (s Signal) Valid() bool {
	return s == SignalCancel || s == SignalPause || s == SignalResume
}

// Request is one control-signal application.
type Request struct {
	TaskID      string `json:"task_id"`
	Signal      Signal `json:"signal"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by"`
}

// Response reports the outcome. PreviousStatus is set whenever the task was
// found, including on rejections.
type Response struct {
	Success        bool        `json:"success"`
	PreviousStatus task.Status `json:"previous_status,omitempty"`
	NewStatus      task.Status `json:"new_status,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Registry is the task-table capability the handler needs.
type Registry interface {
	Get(taskID string) (*task.Task, error)
	UpdateStatus(taskID string, status task.Status, opts ...task.TransitionOption) bool
}

// WorkspaceWriter mirrors applied signals into the task's document: the new
// status and the control event land in one patch.
type WorkspaceWriter interface {
	Update(ctx context.Context, callerID, workspaceID string, patch workspace.Patch) (*workspace.Document, error)
}

// RoomNotifier mirrors applied signals to the task's chat room.
type RoomNotifier interface {
	SendControl(ctx context.Context, roomID string, note rooms.ControlNote) error
}

// Handler validates and applies control signals.
type Handler struct {
	registry  Registry
	adapter   runner.Adapter
	workspace WorkspaceWriter
	rooms     RoomNotifier // nil when rooms are disabled
	logger    logging.Logger
}

// NewHandler wires a control handler. rooms may be nil.
func NewHandler(registry Registry, adapter runner.Adapter, ws WorkspaceWriter, roomNotifier RoomNotifier, logger logging.Logger) *Handler {
	return &Handler{
		registry:  registry,
		adapter:   adapter,
		workspace: ws,
		rooms:     roomNotifier,
		logger:    logging.OrNop(logger),
	}
}

// target maps each signal to its required source statuses and its result.
func target(signal Signal) (from []task.Status, to task.Status) {
	switch signal {
	case SignalCancel:
		return []task.Status{task.StatusQueued, task.StatusRunning, task.StatusPaused}, task.StatusCancelled
	case SignalPause:
		return []task.Status{task.StatusRunning}, task.StatusPaused
	case SignalResume:
		return []task.Status{task.StatusPaused}, task.StatusRunning
	default:
		return nil, ""
	}
}

// Apply validates and executes one control signal. Registry mutation only
// happens on success; workspace and room mirroring failures are logged and
// never flip the outcome.
func (h *Handler) Apply(ctx context.Context, req Request) Response {
	if !req.Signal.Valid() {
		return Response{Success: false, Error: fmt.Sprintf("unknown control signal: %s", req.Signal)}
	}

	current, err := h.registry.Get(req.TaskID)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("task not found: %s", req.TaskID)}
	}

	validFrom, to := target(req.Signal)
	if !statusIn(current.Status, validFrom) {
		return Response{
			Success:        false,
			PreviousStatus: current.Status,
			Error:          fmt.Sprintf("Cannot %s task with status: %s", req.Signal, current.Status),
		}
	}

	if !h.signalAdapter(req.Signal, req.TaskID) {
		// The adapter may have lost the task already (worker exited between
		// the status read and the signal); commit the state change anyway so
		// the registry converges. A live task that refused the signal is a
		// real failure.
		if h.adapter.IsActive(req.TaskID) {
			return Response{
				Success:        false,
				PreviousStatus: current.Status,
				Error:          fmt.Sprintf("execution backend rejected %s for task %s", req.Signal, req.TaskID),
			}
		}
		h.logger.Warn("task %s no longer active at the backend, committing %s anyway", req.TaskID, req.Signal)
	}

	if !h.registry.UpdateStatus(req.TaskID, to) {
		// Lost a race with a concurrent terminal transition.
		refreshed, refreshErr := h.registry.Get(req.TaskID)
		status := current.Status
		if refreshErr == nil {
			status = refreshed.Status
		}
		return Response{
			Success:        false,
			PreviousStatus: status,
			Error:          fmt.Sprintf("Cannot %s task with status: %s", req.Signal, status),
		}
	}

	h.mirror(ctx, current, req, to)
	h.logger.Info("applied %s to task %s (%s → %s)", req.Signal, req.TaskID, current.Status, to)
	return Response{Success: true, PreviousStatus: current.Status, NewStatus: to}
}

func (h *Handler) signalAdapter(signal Signal, taskID string) bool {
	switch signal {
	case SignalCancel:
		return h.adapter.Abort(taskID)
	case SignalPause:
		return h.adapter.Pause(taskID)
	case SignalResume:
		return h.adapter.Resume(taskID)
	default:
		return false
	}
}

// mirror writes the applied signal to the workspace and the room. The
// document's status moves with the registry's so polling callers see the
// same transition.
func (h *Handler) mirror(ctx context.Context, t *task.Task, req Request, to task.Status) {
	if h.workspace != nil && t.WorkspaceID != "" {
		message := fmt.Sprintf("control %s applied by %s", req.Signal, req.RequestedBy)
		if req.Reason != "" {
			message += ": " + req.Reason
		}
		event := workspace.Event{
			Type:    controlEventType(req.Signal),
			Message: message,
			Data: map[string]any{
				"signal":       string(req.Signal),
				"requested_by": req.RequestedBy,
				"reason":       req.Reason,
			},
		}
		patch := workspace.Patch{
			Status: string(to),
			Events: []workspace.Event{event},
		}
		if _, err := h.workspace.Update(ctx, t.CallerID, t.WorkspaceID, patch); err != nil {
			h.logger.Warn("mirror %s to workspace %s: %v", req.Signal, t.WorkspaceID, err)
		}
	}

	if h.rooms != nil && t.RoomHandle != "" {
		note := rooms.ControlNote{TaskID: t.ID, Control: string(req.Signal), Reason: req.Reason}
		if err := h.rooms.SendControl(ctx, t.RoomHandle, note); err != nil {
			h.logger.Warn("mirror %s to room %s: %v", req.Signal, t.RoomHandle, err)
		}
	}
}

func controlEventType(signal Signal) string {
	switch signal {
	case SignalCancel:
		return workspace.EventTaskCancelled
	case SignalPause:
		return workspace.EventTaskPaused
	case SignalResume:
		return workspace.EventTaskResumed
	default:
		return workspace.EventTaskProgress
	}
}

func statusIn(status task.Status, set []task.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
