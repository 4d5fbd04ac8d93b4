package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequestEncodesParams(t *testing.T) {
	req, err := NewRequest(1, "tools/call", map[string]any{"name": "ping"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	if req.JSONRPC != Version {
		t.Errorf("Expected version %s, got %s", Version, req.JSONRPC)
	}
	if req.Method != "tools/call" {
		t.Errorf("Expected method 'tools/call', got %s", req.Method)
	}

	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("Failed to decode params: %v", err)
	}
	if params["name"] != "ping" {
		t.Errorf("Expected name='ping', got %v", params["name"])
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(1, InvalidParams, "Invalid parameters", "task_id is required")

	if resp.ID != 1 {
		t.Errorf("Expected ID 1, got %v", resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("Expected error, got nil")
	}
	if resp.Error.Code != InvalidParams {
		t.Errorf("Expected error code %d, got %d", InvalidParams, resp.Error.Code)
	}
	if !resp.IsError() {
		t.Error("Expected IsError() to return true")
	}
	if NewResponse(1, "ok").IsError() {
		t.Error("Expected success response to not be an error")
	}
}

func TestRPCError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RPCError
		expected string
	}{
		{
			name:     "error without data",
			err:      &RPCError{Code: ParseError, Message: "Parse failed"},
			expected: "JSON-RPC error -32700: Parse failed",
		},
		{
			name:     "error with data",
			err:      &RPCError{Code: SessionNotFound, Message: "Session not found", Data: "sess-1"},
			expected: "JSON-RPC error -32001: Session not found (data: sess-1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestUnmarshalRequest(t *testing.T) {
	req, err := UnmarshalRequest([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`))
	if err != nil {
		t.Fatalf("Failed to unmarshal request: %v", err)
	}

	// ID numbers decode as float64
	parsedID, ok := req.ID.(float64)
	if !ok || parsedID != 42.0 {
		t.Errorf("Expected ID 42, got %v (%T)", req.ID, req.ID)
	}
	if req.Method != "ping" {
		t.Errorf("Expected method 'ping', got %s", req.Method)
	}
	if req.IsNotification() {
		t.Error("Expected request with ID to not be a notification")
	}
}

func TestUnmarshalRequestRejectsInvalidJSON(t *testing.T) {
	_, err := UnmarshalRequest([]byte("not valid json"))
	if err == nil {
		t.Fatal("Expected error for invalid JSON")
	}

	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("Expected RPCError, got %T", err)
	}
	if rpcErr.Code != ParseError {
		t.Errorf("Expected ParseError code, got %d", rpcErr.Code)
	}
}

func TestUnmarshalRequestRejectsWrongVersion(t *testing.T) {
	_, err := UnmarshalRequest([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	if err == nil {
		t.Fatal("Expected error for invalid version")
	}

	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("Expected RPCError, got %T", err)
	}
	if rpcErr.Code != InvalidRequest {
		t.Errorf("Expected InvalidRequest code, got %d", rpcErr.Code)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	req, err := UnmarshalRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Failed to unmarshal notification: %v", err)
	}
	if !req.IsNotification() {
		t.Error("Expected request without ID to be a notification")
	}
}
