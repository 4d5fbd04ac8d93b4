// Package workspace owns the shared task document: one JSON blob per task,
// stored remotely at the document store and attached to the commissioning
// caller. The manager is the only writer of the local view; the remote store
// is the source of truth and every update is a read-merge-write against it.
package workspace

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is stamped into every document.
const SchemaVersion = "1.0.0"

// Workspace event types written by the broker.
const (
	EventTaskStarted   = "task_started"
	EventTaskProgress  = "task_progress"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskTimeout   = "task_timeout"
	EventTaskCancelled = "task_cancelled"
	EventTaskPaused    = "task_paused"
	EventTaskResumed   = "task_resumed"
	EventCallerMessage = "caller_message"
)

// Event is one entry in the document's progress log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Artifact is an output captured for the caller, e.g. the runner's final
// output text.
type Artifact struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
}

// Document is the workspace schema shared with callers.
type Document struct {
	Version   string         `json:"version"`
	TaskID    string         `json:"task_id"`
	CallerID  string         `json:"caller_id"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Events    []Event        `json:"events"`
	Artifacts []Artifact     `json:"artifacts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewDocument builds the initial document for a freshly admitted task.
func NewDocument(taskID, callerID string, metadata map[string]any) *Document {
	now := time.Now().UTC()
	return &Document{
		Version:   SchemaVersion,
		TaskID:    taskID,
		CallerID:  callerID,
		Status:    "queued",
		CreatedAt: now,
		UpdatedAt: now,
		Events:    []Event{},
		Artifacts: []Artifact{},
		Metadata:  metadata,
	}
}

// ParseDocument deserializes a stored document value.
func ParseDocument(value string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return nil, fmt.Errorf("parse workspace document: %w", err)
	}
	if doc.Events == nil {
		doc.Events = []Event{}
	}
	if doc.Artifacts == nil {
		doc.Artifacts = []Artifact{}
	}
	return &doc, nil
}

// Serialize renders the document for storage.
func (d *Document) Serialize() (string, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("serialize workspace document: %w", err)
	}
	return string(encoded), nil
}

// Patch carries the delta applied by one Update call. Zero-value fields are
// left untouched; events and artifacts are appended, metadata keys merged.
type Patch struct {
	Status    string
	Events    []Event
	Artifacts []Artifact
	Metadata  map[string]any
}

// apply merges a patch into the document, stamping zero event timestamps.
func (d *Document) apply(patch Patch, now time.Time) {
	if patch.Status != "" {
		d.Status = patch.Status
	}
	for _, event := range patch.Events {
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		d.Events = append(d.Events, event)
	}
	for _, artifact := range patch.Artifacts {
		if artifact.Timestamp.IsZero() {
			artifact.Timestamp = now
		}
		d.Artifacts = append(d.Artifacts, artifact)
	}
	if len(patch.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			d.Metadata[k] = v
		}
	}
	d.UpdatedAt = now
}

// prune trims the event log to the newest maxEvents entries and prepends a
// synthetic notice describing the cut. The notice reuses the timestamp of
// the oldest retained event so retained timestamps stay monotonic.
func (d *Document) prune(maxEvents int) {
	if maxEvents <= 0 || len(d.Events) <= maxEvents {
		return
	}

	dropped := len(d.Events) - maxEvents
	retained := d.Events[dropped:]

	notice := Event{
		Timestamp: retained[0].Timestamp,
		Type:      EventTaskProgress,
		Message:   fmt.Sprintf("[system: pruned %d older events to keep the last %d]", dropped, maxEvents),
	}

	pruned := make([]Event, 0, maxEvents+1)
	pruned = append(pruned, notice)
	pruned = append(pruned, retained...)
	d.Events = pruned
}

// describeBlock is the human-readable description persisted alongside the
// document so callers know how to read it.
func describeBlock(taskID string, blockLimit int) string {
	return fmt.Sprintf(
		"Live workspace for delegated task %s. Read 'status' for the current state "+
			"(queued: waiting for a slot; running: executing; paused: suspended; "+
			"completed: finished successfully; failed: finished with an error; "+
			"timeout: exceeded its deadline; cancelled: stopped on request). "+
			"'events' is the progress log, oldest pruned first; 'artifacts' holds "+
			"captured outputs. The serialized document is soft-bounded at %d characters.",
		taskID, blockLimit)
}
