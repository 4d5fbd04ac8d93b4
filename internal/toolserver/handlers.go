package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"errand/internal/broker"
	"errand/internal/control"
	"errand/internal/observability"
	"errand/internal/runner"
	"errand/internal/task"
	"errand/internal/workspace"
)

// maxReadFileBytes rejects oversized read_task_file responses.
const maxReadFileBytes = 1 << 20

// Submitter admits tasks. Satisfied by *broker.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req broker.SubmitRequest) (*broker.SubmitResult, error)
}

// ControlApplier applies control signals. Satisfied by *control.Handler.
type ControlApplier interface {
	Apply(ctx context.Context, req control.Request) control.Response
}

// WorkspaceReader reads and appends to workspace documents. Satisfied by
// *workspace.Manager.
type WorkspaceReader interface {
	Get(ctx context.Context, callerID, workspaceID string) (*workspace.Document, error)
	AppendEvent(ctx context.Context, callerID, workspaceID string, event workspace.Event) error
}

// FollowUpSender forwards caller messages into a live remote session.
// Satisfied by *remoteexec.Executor; nil for the local backend.
type FollowUpSender interface {
	SendFollowUp(ctx context.Context, taskID, message string) error
}

// RoomMirror mirrors caller messages into the task's room. Nil when rooms
// are disabled.
type RoomMirror interface {
	SendText(ctx context.Context, roomID, body string) error
}

// Deps are the collaborators the tool surface dispatches into.
type Deps struct {
	Submitter  Submitter
	Registry   *task.Registry
	Control    ControlApplier
	Workspaces WorkspaceReader
	Adapter    runner.Adapter
	FollowUp   FollowUpSender           // optional
	Rooms      RoomMirror               // optional
	Metrics    *observability.RPCMetrics // nil disables RPC metrics
}

func (d Deps) validate() error {
	if d.Submitter == nil || d.Registry == nil || d.Control == nil || d.Workspaces == nil || d.Adapter == nil {
		return errors.New("toolserver: submitter, registry, control, workspaces, and adapter are required")
	}
	return nil
}

// domainError is a structured failure inside a tool result; transport-level
// JSON-RPC errors are reserved for protocol problems.
type domainError struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status,omitempty"`
}

func (s *Server) callTool(c *gin.Context, name string, arguments json.RawMessage) (any, error) {
	ctx := c.Request.Context()
	switch name {
	case "execute_task":
		return s.toolExecuteTask(ctx, arguments)
	case "get_task_status":
		return s.toolTaskStatus(ctx, arguments)
	case "get_task_history":
		return s.toolTaskHistory(ctx, arguments)
	case "send_task_message":
		return s.toolSendMessage(ctx, arguments)
	case "send_task_control":
		return s.toolSendControl(ctx, arguments)
	case "get_task_files":
		return s.toolTaskFiles(ctx, arguments)
	case "read_task_file":
		return s.toolReadFile(ctx, arguments)
	case "ping":
		return gin.H{"pong": true, "time": time.Now().UTC()}, nil
	case "health":
		return s.healthPayload(), nil
	default:
		return nil, fmt.Errorf("unhandled tool %s", name)
	}
}

func (s *Server) toolExecuteTask(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		CallerID       string         `json:"caller_id"`
		Description    string         `json:"description"`
		IdempotencyKey string         `json:"idempotency_key"`
		TimeoutMS      int            `json:"timeout_ms"`
		Sync           bool           `json:"sync"`
		Observers      []string       `json:"observers"`
		Metadata       map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}

	result, err := s.deps.Submitter.Submit(ctx, broker.SubmitRequest{
		CallerID:       args.CallerID,
		Description:    args.Description,
		IdempotencyKey: args.IdempotencyKey,
		Timeout:        time.Duration(args.TimeoutMS) * time.Millisecond,
		Sync:           args.Sync,
		Observers:      args.Observers,
		Metadata:       args.Metadata,
	})
	if errors.Is(err, task.ErrQueueFull) {
		return domainError{Error: "Task queue full", Code: "QUEUE_FULL", Status: http.StatusTooManyRequests}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) toolTaskStatus(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}

	t, err := s.deps.Registry.Get(args.TaskID)
	if err != nil {
		return taskNotFound(args.TaskID), nil
	}

	payload := gin.H{
		"task_id":      t.ID,
		"status":       t.Status,
		"created_at":   t.CreatedAt,
		"workspace_id": t.WorkspaceID,
	}
	if t.StartedAt != nil {
		payload["started_at"] = t.StartedAt
	}
	if t.CompletedAt != nil {
		payload["completed_at"] = t.CompletedAt
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}

	if t.WorkspaceID != "" {
		if doc, err := s.deps.Workspaces.Get(ctx, t.CallerID, t.WorkspaceID); err == nil {
			events := doc.Events
			if len(events) > 5 {
				events = events[len(events)-5:]
			}
			payload["recent_events"] = events
		} else {
			s.logger.Warn("load workspace %s for status: %v", t.WorkspaceID, err)
		}
	}
	return payload, nil
}

func (s *Server) toolTaskHistory(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID           string `json:"task_id"`
		IncludeArtifacts bool   `json:"include_artifacts"`
		EventsLimit      int    `json:"events_limit"`
		EventsOffset     int    `json:"events_offset"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}
	if args.EventsLimit <= 0 {
		args.EventsLimit = 50
	}

	t, err := s.deps.Registry.Get(args.TaskID)
	if err != nil {
		return taskNotFound(args.TaskID), nil
	}
	if t.WorkspaceID == "" {
		return domainError{Error: "task has no workspace", Code: "NO_WORKSPACE", Status: http.StatusNotFound}, nil
	}

	doc, err := s.deps.Workspaces.Get(ctx, t.CallerID, t.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", t.WorkspaceID, err)
	}

	total := len(doc.Events)
	start := args.EventsOffset
	if start > total {
		start = total
	}
	end := start + args.EventsLimit
	if end > total {
		end = total
	}

	payload := gin.H{
		"task_id":       t.ID,
		"status":        doc.Status,
		"events":        doc.Events[start:end],
		"total_events":  total,
		"events_offset": start,
		"has_more":      end < total,
	}
	if args.IncludeArtifacts {
		payload["artifacts"] = doc.Artifacts
		payload["total_artifacts"] = len(doc.Artifacts)
	}
	return payload, nil
}

func (s *Server) toolSendMessage(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID      string         `json:"task_id"`
		Message     string         `json:"message"`
		MessageType string         `json:"message_type"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}
	if args.MessageType == "" {
		args.MessageType = "info"
	}

	t, err := s.deps.Registry.Get(args.TaskID)
	if err != nil {
		return taskNotFound(args.TaskID), nil
	}
	if t.Status.IsTerminal() {
		return domainError{
			Error:  fmt.Sprintf("task %s already %s", t.ID, t.Status),
			Code:   "TASK_TERMINAL",
			Status: http.StatusConflict,
		}, nil
	}

	now := time.Now().UTC()
	if t.WorkspaceID != "" {
		data := map[string]any{"message_type": args.MessageType}
		for k, v := range args.Metadata {
			data[k] = v
		}
		if err := s.deps.Workspaces.AppendEvent(ctx, t.CallerID, t.WorkspaceID, workspace.Event{
			Timestamp: now,
			Type:      workspace.EventCallerMessage,
			Message:   args.Message,
			Data:      data,
		}); err != nil {
			s.logger.Warn("record caller message for %s: %v", t.ID, err)
		}
	}

	if s.deps.Rooms != nil && t.RoomHandle != "" {
		if err := s.deps.Rooms.SendText(ctx, t.RoomHandle, "caller: "+args.Message); err != nil {
			s.logger.Debug("mirror caller message to room %s: %v", t.RoomHandle, err)
		}
	}

	forwarded := false
	if s.deps.FollowUp != nil && s.deps.Adapter.IsActive(t.ID) {
		if err := s.deps.FollowUp.SendFollowUp(ctx, t.ID, args.Message); err != nil {
			s.logger.Warn("forward message into session of %s: %v", t.ID, err)
		} else {
			forwarded = true
		}
	}

	return gin.H{"accepted": true, "timestamp": now, "forwarded": forwarded}, nil
}

func (s *Server) toolSendControl(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID      string `json:"task_id"`
		Control     string `json:"control"`
		Reason      string `json:"reason"`
		RequestedBy string `json:"requested_by"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}
	if args.RequestedBy == "" {
		args.RequestedBy = "caller"
	}

	return s.deps.Control.Apply(ctx, control.Request{
		TaskID:      args.TaskID,
		Signal:      control.Signal(args.Control),
		Reason:      args.Reason,
		RequestedBy: args.RequestedBy,
	}), nil
}

func (s *Server) toolTaskFiles(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
		Path   string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}

	reader, ok := s.deps.Adapter.(runner.FileReader)
	if !ok {
		return fileAccessUnsupported(), nil
	}
	files, err := reader.ListFiles(ctx, args.TaskID, args.Path)
	if err != nil {
		return domainError{Error: err.Error(), Code: "FILE_ACCESS_FAILED", Status: http.StatusBadGateway}, nil
	}
	return gin.H{"task_id": args.TaskID, "files": files}, nil
}

func (s *Server) toolReadFile(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args struct {
		TaskID   string `json:"task_id"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}

	reader, ok := s.deps.Adapter.(runner.FileReader)
	if !ok {
		return fileAccessUnsupported(), nil
	}
	content, err := reader.ReadFile(ctx, args.TaskID, args.FilePath)
	if err != nil {
		return domainError{Error: err.Error(), Code: "FILE_ACCESS_FAILED", Status: http.StatusBadGateway}, nil
	}
	if len(content) > maxReadFileBytes {
		return domainError{
			Error:  fmt.Sprintf("file %s exceeds the 1 MB read limit", args.FilePath),
			Code:   "FILE_TOO_LARGE",
			Status: http.StatusRequestEntityTooLarge,
		}, nil
	}
	return gin.H{"task_id": args.TaskID, "file_path": args.FilePath, "content": content, "size": len(content)}, nil
}

func (s *Server) healthPayload() gin.H {
	counts := s.deps.Registry.Counts()
	return gin.H{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.started).String(),
		"backend": s.config.Backend,
		"tasks":   counts,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.healthPayload())
}

func taskNotFound(taskID string) domainError {
	return domainError{
		Error:  fmt.Sprintf("task not found: %s", taskID),
		Code:   "TASK_NOT_FOUND",
		Status: http.StatusNotFound,
	}
}

func fileAccessUnsupported() domainError {
	return domainError{
		Error:  "file access requires the remote execution backend",
		Code:   "UNSUPPORTED_BACKEND",
		Status: http.StatusNotImplemented,
	}
}
