package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"errand/internal/broker"
	"errand/internal/control"
	"errand/internal/jsonrpc"
	"errand/internal/runner"
	"errand/internal/task"
	"errand/internal/workspace"
)

type fakeSubmitter struct {
	result *broker.SubmitResult
	err    error
	last   broker.SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req broker.SubmitRequest) (*broker.SubmitResult, error) {
	f.last = req
	return f.result, f.err
}

type fakeControl struct {
	response control.Response
	last     control.Request
}

func (f *fakeControl) Apply(_ context.Context, req control.Request) control.Response {
	f.last = req
	return f.response
}

type fakeWorkspaces struct {
	docs     map[string]*workspace.Document
	appended []workspace.Event
}

func (f *fakeWorkspaces) Get(_ context.Context, _, workspaceID string) (*workspace.Document, error) {
	doc, ok := f.docs[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace not found: %s", workspaceID)
	}
	return doc, nil
}

func (f *fakeWorkspaces) AppendEvent(_ context.Context, _, _ string, event workspace.Event) error {
	f.appended = append(f.appended, event)
	return nil
}

type fakeAdapter struct {
	active map[string]bool
}

func (f *fakeAdapter) Execute(context.Context, runner.Request, runner.EventHandler) (*runner.Result, error) {
	return &runner.Result{Status: runner.ResultSuccess}, nil
}
func (f *fakeAdapter) Abort(string) bool           { return true }
func (f *fakeAdapter) Pause(string) bool           { return true }
func (f *fakeAdapter) Resume(string) bool          { return true }
func (f *fakeAdapter) IsActive(taskID string) bool { return f.active[taskID] }

// fileAdapter additionally satisfies runner.FileReader.
type fileAdapter struct {
	fakeAdapter
	files   []runner.FileInfo
	content string
}

func (f *fileAdapter) ListFiles(context.Context, string, string) ([]runner.FileInfo, error) {
	return f.files, nil
}

func (f *fileAdapter) ReadFile(context.Context, string, string) (string, error) {
	return f.content, nil
}

type harness struct {
	server     *Server
	ts         *httptest.Server
	submitter  *fakeSubmitter
	controller *fakeControl
	workspaces *fakeWorkspaces
	registry   *task.Registry
	session    string
}

func newHarness(t *testing.T, adapter runner.Adapter, config Config) *harness {
	t.Helper()

	submitter := &fakeSubmitter{result: &broker.SubmitResult{
		TaskID:      "task-1",
		Status:      task.StatusQueued,
		WorkspaceID: "ws-1",
	}}
	controller := &fakeControl{response: control.Response{
		Success:        true,
		PreviousStatus: task.StatusRunning,
		NewStatus:      task.StatusCancelled,
	}}
	workspaces := &fakeWorkspaces{docs: map[string]*workspace.Document{}}
	registry := task.NewRegistry(10, 24*time.Hour, nil)

	server, err := NewServer(config, Deps{
		Submitter:  submitter,
		Registry:   registry,
		Control:    controller,
		Workspaces: workspaces,
		Adapter:    adapter,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		server:     server,
		ts:         ts,
		submitter:  submitter,
		controller: controller,
		workspaces: workspaces,
		registry:   registry,
	}
}

func (h *harness) rpc(t *testing.T, method string, params any) *jsonrpc.Response {
	t.Helper()

	req, err := jsonrpc.NewRequest(1, method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/rpc", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if h.session != "" {
		httpReq.Header.Set(SessionHeader, h.session)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()

	if minted := resp.Header.Get(SessionHeader); minted != "" {
		h.session = minted
	}

	var decoded jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &decoded
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	resp := h.rpc(t, "initialize", nil)
	if resp.IsError() {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	if h.session == "" {
		t.Fatal("initialize did not mint a session")
	}
}

func (h *harness) callTool(t *testing.T, name string, arguments any) *jsonrpc.Response {
	t.Helper()
	return h.rpc(t, "tools/call", map[string]any{"name": name, "arguments": arguments})
}

func resultMap(t *testing.T, resp *jsonrpc.Response) map[string]any {
	t.Helper()
	if resp.IsError() {
		t.Fatalf("unexpected RPC error: %v", resp.Error)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want object", resp.Result)
	}
	return m
}

func TestInitializeMintsSession(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{Backend: "local"})

	resp := h.rpc(t, "initialize", nil)
	result := resultMap(t, resp)
	if result["session_id"] != h.session {
		t.Errorf("session_id %v does not match header %s", result["session_id"], h.session)
	}
	if result["protocol_version"] == "" {
		t.Error("expected a protocol_version")
	}
}

func TestToolsRequireSession(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})

	resp := h.rpc(t, "tools/list", nil)
	if !resp.IsError() || resp.Error.Code != jsonrpc.SessionNotFound {
		t.Fatalf("expected SessionNotFound, got %+v", resp)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{SessionTTL: time.Nanosecond})
	h.initialize(t)

	time.Sleep(10 * time.Millisecond)
	resp := h.rpc(t, "tools/list", nil)
	if !resp.IsError() || resp.Error.Code != jsonrpc.SessionNotFound {
		t.Fatalf("expected SessionNotFound for expired session, got %+v", resp)
	}
}

func TestPingWorksWithoutSession(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})

	resp := h.rpc(t, "ping", nil)
	result := resultMap(t, resp)
	if result["pong"] != true {
		t.Errorf("expected pong, got %v", result)
	}
}

func TestToolsListReturnsAll(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	result := resultMap(t, h.rpc(t, "tools/list", nil))
	tools, ok := result["tools"].([]any)
	if !ok {
		t.Fatalf("tools is %T", result["tools"])
	}
	if len(tools) != len(toolOrder) {
		t.Fatalf("expected %d tools, got %d", len(toolOrder), len(tools))
	}
	first := tools[0].(map[string]any)
	if first["name"] != "execute_task" {
		t.Errorf("first tool is %v, want execute_task", first["name"])
	}
}

func TestExecuteTask(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "execute_task", map[string]any{
		"caller_id":   "caller-a",
		"description": "run the suite",
		"timeout_ms":  60000,
	}))
	if result["task_id"] != "task-1" {
		t.Errorf("task_id = %v", result["task_id"])
	}
	if h.submitter.last.Timeout != time.Minute {
		t.Errorf("timeout = %v, want 1m", h.submitter.last.Timeout)
	}
}

func TestExecuteTaskQueueFull(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)
	h.submitter.result = nil
	h.submitter.err = task.ErrQueueFull

	result := resultMap(t, h.callTool(t, "execute_task", map[string]any{
		"caller_id":   "caller-a",
		"description": "run the suite",
	}))
	if result["code"] != "QUEUE_FULL" {
		t.Errorf("code = %v, want QUEUE_FULL", result["code"])
	}
	if result["status"] != float64(http.StatusTooManyRequests) {
		t.Errorf("status = %v, want 429", result["status"])
	}
}

func TestSchemaValidationRejectsBadArguments(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	// description is required.
	resp := h.callTool(t, "execute_task", map[string]any{"caller_id": "caller-a"})
	if !resp.IsError() || resp.Error.Code != jsonrpc.InvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp)
	}
}

func TestUnknownToolRejected(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	resp := h.callTool(t, "no_such_tool", map[string]any{})
	if !resp.IsError() || resp.Error.Code != jsonrpc.MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestGetTaskStatus(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	registered, _, err := h.registry.Register(&task.Task{ID: "task-9", CallerID: "caller-a"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h.registry.SetWorkspace(registered.ID, "ws-9")

	doc := &workspace.Document{Status: "running"}
	for i := 0; i < 8; i++ {
		doc.Events = append(doc.Events, workspace.Event{
			Type:    workspace.EventTaskProgress,
			Message: fmt.Sprintf("step %d", i),
		})
	}
	h.workspaces.docs["ws-9"] = doc

	result := resultMap(t, h.callTool(t, "get_task_status", map[string]any{"task_id": "task-9"}))
	if result["status"] != string(task.StatusQueued) {
		t.Errorf("status = %v", result["status"])
	}
	recent, ok := result["recent_events"].([]any)
	if !ok || len(recent) != 5 {
		t.Fatalf("expected the last 5 events, got %v", result["recent_events"])
	}
	last := recent[4].(map[string]any)
	if last["message"] != "step 7" {
		t.Errorf("last event message = %v", last["message"])
	}
}

func TestGetTaskStatusNotFound(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "get_task_status", map[string]any{"task_id": "missing"}))
	if result["code"] != "TASK_NOT_FOUND" {
		t.Errorf("code = %v, want TASK_NOT_FOUND", result["code"])
	}
}

func TestGetTaskHistoryPagination(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	registered, _, _ := h.registry.Register(&task.Task{ID: "task-h", CallerID: "caller-a"})
	h.registry.SetWorkspace(registered.ID, "ws-h")

	doc := &workspace.Document{Status: "completed"}
	for i := 0; i < 12; i++ {
		doc.Events = append(doc.Events, workspace.Event{Message: fmt.Sprintf("e%d", i)})
	}
	doc.Artifacts = []workspace.Artifact{{Type: "execution_output", Name: "output", Content: "done"}}
	h.workspaces.docs["ws-h"] = doc

	result := resultMap(t, h.callTool(t, "get_task_history", map[string]any{
		"task_id":           "task-h",
		"events_limit":      5,
		"events_offset":     10,
		"include_artifacts": true,
	}))
	events := result["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("expected 2 events in the last page, got %d", len(events))
	}
	if result["has_more"] != false {
		t.Error("last page should report has_more=false")
	}
	if result["total_events"] != float64(12) {
		t.Errorf("total_events = %v", result["total_events"])
	}
	if _, ok := result["artifacts"]; !ok {
		t.Error("expected artifacts when include_artifacts=true")
	}
}

func TestSendTaskMessage(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	registered, _, _ := h.registry.Register(&task.Task{ID: "task-m", CallerID: "caller-a"})
	h.registry.SetWorkspace(registered.ID, "ws-m")

	result := resultMap(t, h.callTool(t, "send_task_message", map[string]any{
		"task_id":      "task-m",
		"message":      "use the staging database",
		"message_type": "guidance",
	}))
	if result["accepted"] != true {
		t.Fatalf("message not accepted: %v", result)
	}
	if len(h.workspaces.appended) != 1 {
		t.Fatalf("expected 1 workspace event, got %d", len(h.workspaces.appended))
	}
	event := h.workspaces.appended[0]
	if event.Type != workspace.EventCallerMessage {
		t.Errorf("event type = %s", event.Type)
	}
	if event.Data["message_type"] != "guidance" {
		t.Errorf("message_type = %v", event.Data["message_type"])
	}
}

func TestSendTaskMessageToTerminalTask(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	h.registry.Register(&task.Task{ID: "task-t", CallerID: "caller-a"})
	h.registry.UpdateStatus("task-t", task.StatusRunning)
	h.registry.UpdateStatus("task-t", task.StatusCompleted)

	result := resultMap(t, h.callTool(t, "send_task_message", map[string]any{
		"task_id": "task-t",
		"message": "too late",
	}))
	if result["code"] != "TASK_TERMINAL" {
		t.Errorf("code = %v, want TASK_TERMINAL", result["code"])
	}
}

func TestSendTaskControl(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "send_task_control", map[string]any{
		"task_id": "task-c",
		"control": "cancel",
		"reason":  "caller changed their mind",
	}))
	if result["success"] != true {
		t.Fatalf("control not applied: %v", result)
	}
	if h.controller.last.Signal != control.SignalCancel {
		t.Errorf("signal = %s", h.controller.last.Signal)
	}
	if h.controller.last.RequestedBy != "caller" {
		t.Errorf("requested_by defaulted to %q", h.controller.last.RequestedBy)
	}
}

func TestFileToolsUnsupportedOnLocalBackend(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{Backend: "local"})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "get_task_files", map[string]any{"task_id": "task-f"}))
	if result["code"] != "UNSUPPORTED_BACKEND" {
		t.Errorf("code = %v, want UNSUPPORTED_BACKEND", result["code"])
	}
}

func TestFileTools(t *testing.T) {
	adapter := &fileAdapter{
		files:   []runner.FileInfo{{Path: "main.go", Size: 120}},
		content: "package main\n",
	}
	h := newHarness(t, adapter, Config{Backend: "remote"})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "get_task_files", map[string]any{"task_id": "task-f"}))
	files := result["files"].([]any)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	result = resultMap(t, h.callTool(t, "read_task_file", map[string]any{
		"task_id":   "task-f",
		"file_path": "main.go",
	}))
	if result["content"] != "package main\n" {
		t.Errorf("content = %v", result["content"])
	}
}

func TestReadFileRejectsOversized(t *testing.T) {
	adapter := &fileAdapter{content: strings.Repeat("x", maxReadFileBytes+1)}
	h := newHarness(t, adapter, Config{Backend: "remote"})
	h.initialize(t)

	result := resultMap(t, h.callTool(t, "read_task_file", map[string]any{
		"task_id":   "task-f",
		"file_path": "big.bin",
	}))
	if result["code"] != "FILE_TOO_LARGE" {
		t.Errorf("code = %v, want FILE_TOO_LARGE", result["code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{Backend: "local"})

	resp, err := http.Get(h.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status = %v", payload["status"])
	}
	if payload["backend"] != "local" {
		t.Errorf("backend = %v", payload["backend"])
	}
}

func TestNotificationGetsNoBody(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})

	body := []byte(`{"jsonrpc":"2.0","method":"ping"}`)
	resp, err := http.Post(h.ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestParseErrorOnMalformedBody(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, Config{})

	resp, err := http.Post(h.ts.URL+"/rpc", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()

	var decoded jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsError() || decoded.Error.Code != jsonrpc.ParseError {
		t.Errorf("expected ParseError, got %+v", decoded)
	}
}
