// Package runner defines the execution-adapter contract shared by the local
// and remote backends, plus the normalizer that maps each backend's raw
// events onto one internal taxonomy.
package runner

import (
	"context"
	"time"
)

// EventType is the internal event taxonomy. Every raw backend event maps to
// exactly one of these.
type EventType string

const (
	EventStart      EventType = "start"
	EventOutput     EventType = "output"
	EventError      EventType = "error"
	EventToolCall   EventType = "tool_call"
	EventFileChange EventType = "file_change"
	EventComplete   EventType = "complete"
	EventAbort      EventType = "abort"
	EventUnknown    EventType = "unknown"
)

// RawEvent is a backend event before normalization: an open set of type tags
// with a free-form property bag.
type RawEvent struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Event is a normalized event delivered to the orchestrator's handler.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	RawType   string         `json:"raw_type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler observes normalized events. Invoked synchronously from the
// adapter's event loop, one event at a time per task.
type EventHandler func(Event)

// ResultStatus is the terminal classification of one execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultTimeout ResultStatus = "timeout"
)

// Request describes one execution. Immutable once handed to an adapter.
type Request struct {
	TaskID      string
	CallerID    string
	Prompt      string
	WorkspaceID string
	Timeout     time.Duration // zero means the adapter default
}

// Result is what Execute returns once the task reached a terminal event or
// its deadline.
type Result struct {
	Status      ResultStatus `json:"status"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Output      string       `json:"output"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	DurationMS  int64        `json:"duration_ms"`
}

// Finish stamps the completion time and duration.
func (r *Result) Finish(completedAt time.Time) {
	r.CompletedAt = completedAt
	r.DurationMS = completedAt.Sub(r.StartedAt).Milliseconds()
}

// Adapter is the execution contract both backends implement. Execute blocks
// until a terminal event has been observed and delivered through onEvent, or
// the timeout elapsed. Abort/Pause/Resume report whether the backend acted;
// a backend that does not support a signal returns false.
type Adapter interface {
	Execute(ctx context.Context, req Request, onEvent EventHandler) (*Result, error)
	Abort(taskID string) bool
	Pause(taskID string) bool
	Resume(taskID string) bool
	IsActive(taskID string) bool
}

// FileInfo describes one entry in a remote session's workspace.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// FileReader is the optional capability of backends that expose the task's
// files while the session is alive. Only the remote backend implements it.
type FileReader interface {
	ListFiles(ctx context.Context, taskID, path string) ([]FileInfo, error)
	ReadFile(ctx context.Context, taskID, path string) (string, error)
}
