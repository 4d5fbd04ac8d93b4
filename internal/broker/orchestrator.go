// Package broker owns the end-to-end task lifecycle: admission, workspace
// creation, optional chat-room mirroring, execution through the configured
// backend, event fan-out into the workspace, and the terminal bookkeeping
// plus caller notification. One Submit call drives one task from queued to a
// terminal status.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"errand/internal/async"
	"errand/internal/logging"
	"errand/internal/observability"
	"errand/internal/rooms"
	"errand/internal/runner"
	"errand/internal/task"
	"errand/internal/workspace"
)

// Workspaces is the document-manager capability the orchestrator needs.
// Satisfied by *workspace.Manager.
type Workspaces interface {
	Create(ctx context.Context, taskID, callerID string, metadata map[string]any) (string, *workspace.Document, error)
	Update(ctx context.Context, callerID, workspaceID string, patch workspace.Patch) (*workspace.Document, error)
	AppendEvent(ctx context.Context, callerID, workspaceID string, event workspace.Event) error
	Detach(ctx context.Context, callerID, workspaceID string)
}

// Rooms is the chat-room capability. Satisfied by *rooms.Client; nil when
// rooms are disabled.
type Rooms interface {
	CreateRoom(ctx context.Context, name, topic string, invitees []string) (*rooms.Room, error)
	SendText(ctx context.Context, roomID, body string) error
	SendHTML(ctx context.Context, roomID, markup string) error
	Archive(ctx context.Context, roomID string) error
}

// Notifier delivers the completion message to the caller. Satisfied by
// *blocks.Client.
type Notifier interface {
	SendMessage(ctx context.Context, agentID, text string) error
}

// Config tunes the orchestrator.
type Config struct {
	ExecutionTimeout time.Duration // per-task deadline handed to the adapter
	ResponseDeadline time.Duration // sync-mode tool-response window, default 25s
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.ResponseDeadline <= 0 {
		c.ResponseDeadline = 25 * time.Second
	}
	return c
}

// SubmitRequest is one execute_task invocation.
type SubmitRequest struct {
	CallerID       string
	Description    string
	IdempotencyKey string
	Timeout        time.Duration // zero means the configured default
	Sync           bool
	Observers      []string // room invitees when rooms are enabled
	Metadata       map[string]any
}

// SubmitResult is the tool response for execute_task.
type SubmitResult struct {
	TaskID      string      `json:"task_id"`
	Status      task.Status `json:"status"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	Message     string      `json:"message,omitempty"`
	TimeoutHint string      `json:"timeout_hint,omitempty"`
	Replayed    bool        `json:"replayed,omitempty"`
}

// Orchestrator wires the collaborators for the task lifecycle.
type Orchestrator struct {
	registry   *task.Registry
	workspaces Workspaces
	adapter    runner.Adapter
	rooms      Rooms // nil when disabled
	notifier   Notifier
	config     Config
	metrics    *Metrics
	logger     logging.Logger
}

// New creates an orchestrator. rooms may be nil; metrics may be nil to use
// the shared default registry.
func New(registry *task.Registry, workspaces Workspaces, adapter runner.Adapter, roomClient Rooms, notifier Notifier, config Config, metrics *Metrics, logger logging.Logger) *Orchestrator {
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Orchestrator{
		registry:   registry,
		workspaces: workspaces,
		adapter:    adapter,
		rooms:      roomClient,
		notifier:   notifier,
		config:     config.withDefaults(),
		metrics:    metrics,
		logger:     logging.OrNop(logger),
	}
}

// Adapter exposes the execution backend for collaborators that need direct
// signal or file access (control handler, tool surface).
func (o *Orchestrator) Adapter() runner.Adapter {
	return o.adapter
}

// Submit admits one task and drives it to completion. For sync=false the
// call returns as soon as the task is queued and its workspace exists; for
// sync=true it returns either the final outcome or, when the response
// deadline fires first, an interim running result while the work continues
// in the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	taskID := "task-" + uuid.NewString()

	ctx, span := observability.StartSpan(ctx, observability.SpanTaskSubmit,
		observability.TaskAttrs(taskID, req.CallerID)...)
	defer span.End()

	registered, replayed, err := o.registry.Register(&task.Task{
		ID:             taskID,
		CallerID:       req.CallerID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err // task.ErrQueueFull surfaces as a structured tool error
	}
	if replayed {
		o.logger.Info("idempotent replay of task %s for caller %s", registered.ID, req.CallerID)
		return &SubmitResult{
			TaskID:      registered.ID,
			Status:      registered.Status,
			WorkspaceID: registered.WorkspaceID,
			Replayed:    true,
			Message:     "duplicate submission; returning the original task",
		}, nil
	}
	o.metrics.submitted()

	workspaceID, _, err := o.workspaces.Create(ctx, taskID, req.CallerID, req.Metadata)
	if err != nil {
		o.registry.UpdateStatus(taskID, task.StatusFailed, task.WithErrorText(err.Error()))
		o.metrics.finished(string(task.StatusFailed), 0)
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	o.registry.SetWorkspace(taskID, workspaceID)

	logger := logging.WithTaskID(o.logger, taskID)
	logger.Info("task admitted for caller %s (sync=%v)", req.CallerID, req.Sync)

	// The body outlives the tool call, so it runs under a detached context;
	// only an explicit control signal stops it, never the caller's
	// disconnect or the response-deadline timer.
	bodyCtx, _ := async.Detach(ctx)

	if !req.Sync {
		async.Go(logger, "broker.task."+taskID, func() {
			o.runBody(bodyCtx, taskID, req)
		})
		return &SubmitResult{TaskID: taskID, Status: task.StatusQueued, WorkspaceID: workspaceID}, nil
	}

	return o.raceDeadline(bodyCtx, taskID, workspaceID, req, logger), nil
}

// runBody is steps running → terminal for one task. It always drives the
// task to a terminal registry status.
func (o *Orchestrator) runBody(ctx context.Context, taskID string, req SubmitRequest) *SubmitResult {
	logger := logging.WithTaskID(o.logger, taskID)
	startedAt := time.Now()

	ctx, span := observability.StartSpan(ctx, observability.SpanTaskExecute,
		observability.TaskAttrs(taskID, req.CallerID)...)
	defer span.End()

	// A cancel can land while the task is still queued; the running
	// transition is then rejected and nothing may execute.
	if !o.registry.UpdateStatus(taskID, task.StatusRunning) {
		current, err := o.registry.Get(taskID)
		if err != nil {
			logger.Error("task vanished before execution: %v", err)
			return nil
		}
		logger.Info("task already %s before execution started, skipping execution", current.Status)
		result := &runner.Result{Status: runner.ResultError, StartedAt: startedAt}
		result.Finish(time.Now())
		return o.finalize(ctx, taskID, "", result)
	}
	roomID := o.openRoom(ctx, taskID, req)

	current, err := o.registry.Get(taskID)
	if err != nil {
		logger.Error("task vanished before execution: %v", err)
		return nil
	}

	// Callers polling the shared document see the same progression as the
	// registry; the start event rides on the status patch.
	if current.WorkspaceID != "" {
		if _, err := o.workspaces.Update(ctx, current.CallerID, current.WorkspaceID, workspace.Patch{
			Status: string(task.StatusRunning),
			Events: []workspace.Event{{
				Type:    workspace.EventTaskStarted,
				Message: "execution started",
			}},
		}); err != nil {
			o.metrics.workspaceError()
			logger.Warn("mark workspace running: %v", err)
		}
	}

	result, execErr := o.adapter.Execute(ctx, runner.Request{
		TaskID:      taskID,
		CallerID:    req.CallerID,
		Prompt:      req.Description,
		WorkspaceID: current.WorkspaceID,
		Timeout:     req.Timeout,
	}, o.eventHandler(ctx, current, roomID))

	if execErr != nil {
		logger.Warn("adapter failed: %v", execErr)
		result = &runner.Result{
			Status:    runner.ResultError,
			Error:     execErr.Error(),
			StartedAt: startedAt,
		}
		result.Finish(time.Now())
		span.SetAttributes(observability.ErrorAttrs(execErr)...)
	}
	span.SetAttributes(observability.StatusAttrs(string(result.Status))...)

	return o.finalize(ctx, taskID, roomID, result)
}

// eventHandler builds the per-task onEvent callback: normalize (done by the
// adapter), count, append to the workspace, mirror to the room. Workspace
// and room failures are logged and never propagate into the event loop.
func (o *Orchestrator) eventHandler(ctx context.Context, t *task.Task, roomID string) runner.EventHandler {
	logger := logging.WithTaskID(o.logger, t.ID)
	return func(event runner.Event) {
		o.metrics.event(string(event.Type))

		message := runner.Describe(event)
		if err := o.workspaces.AppendEvent(ctx, t.CallerID, t.WorkspaceID, workspace.Event{
			Timestamp: event.Timestamp,
			Type:      workspace.EventTaskProgress,
			Message:   message,
			Data:      map[string]any{"event_type": string(event.Type), "raw_type": event.RawType},
		}); err != nil {
			o.metrics.workspaceError()
			logger.Warn("append progress event: %v", err)
		}

		if o.rooms != nil && roomID != "" {
			if err := o.rooms.SendText(ctx, roomID, message); err != nil {
				o.metrics.roomError()
				logger.Debug("mirror event to room %s: %v", roomID, err)
			}
		}
	}
}

// finalize is steps 10–14: terminal registry write, room summary and close,
// workspace terminal update, detach, caller notification. It runs exactly
// once per task, at the end of runBody.
func (o *Orchestrator) finalize(ctx context.Context, taskID, roomID string, result *runner.Result) *SubmitResult {
	logger := logging.WithTaskID(o.logger, taskID)

	terminal := terminalStatus(result.Status)
	opts := []task.TransitionOption{}
	if result.Error != "" {
		opts = append(opts, task.WithErrorText(result.Error))
	}
	// A concurrent cancel may already have made the task terminal; the state
	// machine rejects the write and the cancelled status stands.
	o.registry.UpdateStatus(taskID, terminal, opts...)

	final, err := o.registry.Get(taskID)
	if err != nil {
		logger.Error("task vanished during finalization: %v", err)
		return nil
	}
	o.metrics.finished(string(final.Status), time.Duration(result.DurationMS)*time.Millisecond)
	logger.Info("task finished with status %s in %dms", final.Status, result.DurationMS)

	if o.rooms != nil && roomID != "" {
		if err := o.rooms.SendHTML(ctx, roomID, summaryHTML(final, result)); err != nil {
			o.metrics.roomError()
			logger.Warn("room summary: %v", err)
		}
		if err := o.rooms.Archive(ctx, roomID); err != nil {
			logger.Warn("archive room %s: %v", roomID, err)
		}
		o.registry.DetachRoom(taskID)
	}

	if final.WorkspaceID != "" {
		patch := workspace.Patch{
			Status: string(final.Status),
			Events: []workspace.Event{{
				Type:    terminalEventType(final.Status),
				Message: fmt.Sprintf("task %s after %dms", final.Status, result.DurationMS),
			}},
		}
		if result.Output != "" {
			patch.Artifacts = []workspace.Artifact{{
				Type:    "execution_output",
				Name:    "output",
				Content: result.Output,
			}}
		}
		if _, err := o.workspaces.Update(ctx, final.CallerID, final.WorkspaceID, patch); err != nil {
			o.metrics.workspaceError()
			logger.Warn("terminal workspace update: %v", err)
		}
		o.workspaces.Detach(ctx, final.CallerID, final.WorkspaceID)
	}

	if o.notifier != nil {
		if err := o.notifier.SendMessage(ctx, final.CallerID, notificationText(final, result)); err != nil {
			logger.Warn("notify caller %s: %v", final.CallerID, err)
		}
	}

	return &SubmitResult{
		TaskID:      taskID,
		Status:      final.Status,
		WorkspaceID: final.WorkspaceID,
		Message:     truncatePreview(result.Output, previewLimit),
	}
}

// openRoom creates the task's chat room when rooms are enabled. A room
// failure degrades to no mirroring; it never blocks the task.
func (o *Orchestrator) openRoom(ctx context.Context, taskID string, req SubmitRequest) string {
	if o.rooms == nil {
		return ""
	}
	logger := logging.WithTaskID(o.logger, taskID)

	room, err := o.rooms.CreateRoom(ctx, "task-"+taskID, truncatePreview(req.Description, 200), req.Observers)
	if err != nil {
		o.metrics.roomError()
		logger.Warn("create room: %v", err)
		return ""
	}
	o.registry.AttachRoom(taskID, room.ID)
	logger.Info("room %s opened", room.ID)
	return room.ID
}

func terminalStatus(status runner.ResultStatus) task.Status {
	switch status {
	case runner.ResultSuccess:
		return task.StatusCompleted
	case runner.ResultTimeout:
		return task.StatusTimeout
	default:
		return task.StatusFailed
	}
}

func terminalEventType(status task.Status) string {
	switch status {
	case task.StatusCompleted:
		return workspace.EventTaskCompleted
	case task.StatusTimeout:
		return workspace.EventTaskTimeout
	case task.StatusCancelled:
		return workspace.EventTaskCancelled
	default:
		return workspace.EventTaskFailed
	}
}
