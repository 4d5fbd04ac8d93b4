package toolserver

// Tool descriptors and input schemas for the JSON-RPC tool surface. Inputs
// are validated against these schemas before dispatch.

// ToolDescriptor is one entry in the tools/list response.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// toolSchemas maps tool name to its JSON Schema source.
var toolSchemas = map[string]string{
	"execute_task": `{
		"type": "object",
		"properties": {
			"caller_id":       {"type": "string", "minLength": 1},
			"description":     {"type": "string", "minLength": 1},
			"idempotency_key": {"type": "string"},
			"timeout_ms":      {"type": "integer", "minimum": 1000},
			"sync":            {"type": "boolean"},
			"observers":       {"type": "array", "items": {"type": "string"}},
			"metadata":        {"type": "object"}
		},
		"required": ["caller_id", "description"],
		"additionalProperties": false
	}`,
	"get_task_status": `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
	"get_task_history": `{
		"type": "object",
		"properties": {
			"task_id":           {"type": "string", "minLength": 1},
			"include_artifacts": {"type": "boolean"},
			"events_limit":      {"type": "integer", "minimum": 1, "maximum": 200},
			"events_offset":     {"type": "integer", "minimum": 0}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
	"send_task_message": `{
		"type": "object",
		"properties": {
			"task_id":      {"type": "string", "minLength": 1},
			"message":      {"type": "string", "minLength": 1},
			"message_type": {"type": "string", "enum": ["guidance", "question", "info"]},
			"metadata":     {"type": "object"}
		},
		"required": ["task_id", "message"],
		"additionalProperties": false
	}`,
	"send_task_control": `{
		"type": "object",
		"properties": {
			"task_id":      {"type": "string", "minLength": 1},
			"control":      {"type": "string", "enum": ["cancel", "pause", "resume"]},
			"reason":       {"type": "string"},
			"requested_by": {"type": "string"}
		},
		"required": ["task_id", "control"],
		"additionalProperties": false
	}`,
	"get_task_files": `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"path":    {"type": "string"}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
	"read_task_file": `{
		"type": "object",
		"properties": {
			"task_id":   {"type": "string", "minLength": 1},
			"file_path": {"type": "string", "minLength": 1}
		},
		"required": ["task_id", "file_path"],
		"additionalProperties": false
	}`,
	"ping": `{
		"type": "object",
		"additionalProperties": false
	}`,
	"health": `{
		"type": "object",
		"additionalProperties": false
	}`,
}

// toolDescriptions is the operator-facing summary per tool.
var toolDescriptions = map[string]string{
	"execute_task":      "Delegate a code-execution task to a runner. Returns the task id and the workspace document id to watch for progress.",
	"get_task_status":   "Fetch a task's current status, timestamps, and the last few progress events.",
	"get_task_history":  "Fetch a task's full event log (paginated) and optionally its artifacts.",
	"send_task_message": "Send a message to a running task. It is recorded in the workspace and, on the remote backend, forwarded to the live session.",
	"send_task_control": "Cancel, pause, or resume a task. Pause and resume are only supported by the local backend.",
	"get_task_files":    "List files in the task's remote session workspace (remote backend only).",
	"read_task_file":    "Read one file from the task's remote session workspace (remote backend only; files over 1 MB are rejected).",
	"ping":              "Liveness check.",
	"health":            "Broker health: registry counts and backend kind.",
}

// toolOrder fixes the tools/list ordering.
var toolOrder = []string{
	"execute_task",
	"get_task_status",
	"get_task_history",
	"send_task_message",
	"send_task_control",
	"get_task_files",
	"read_task_file",
	"ping",
	"health",
}
