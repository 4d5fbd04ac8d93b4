package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateBlockSendsAuthAndDecodesResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/blocks", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		var block Block
		require.NoError(t, json.NewDecoder(r.Body).Decode(&block))
		require.Equal(t, "task_workspace_t1", block.Label)
		require.Equal(t, 50000, block.Limit)

		block.ID = "block-1"
		block.Version = 1
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(block)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Token: "secret-token"}, nil)
	created, err := client.CreateBlock(context.Background(), Block{
		Label: "task_workspace_t1",
		Value: "{}",
		Limit: 50000,
	})
	require.NoError(t, err)
	require.Equal(t, "block-1", created.ID)
	require.Equal(t, 1, created.Version)
}

func TestUpdateBlockSurfacesConflict(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ExpectedVersion int `json:"expected_version"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.ExpectedVersion != 3 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(Block{ID: "block-1", Version: 4})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)

	_, err := client.UpdateBlock(context.Background(), "block-1", "v", 2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	updated, err := client.UpdateBlock(context.Background(), "block-1", "v", 3)
	require.NoError(t, err)
	require.Equal(t, 4, updated.Version)
}

func TestGetBlockNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	_, err := client.GetBlock(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachDetachPaths(t *testing.T) {
	t.Parallel()

	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, client.AttachBlock(context.Background(), "agent-1", "block-1"))
	require.NoError(t, client.DetachBlock(context.Background(), "agent-1", "block-1"))

	require.Equal(t, []string{
		"PATCH /v1/agents/agent-1/blocks/attach/block-1",
		"PATCH /v1/agents/agent-1/blocks/detach/block-1",
	}, paths)
}

func TestSendMessagePostsSystemRole(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		require.Equal(t, "system", payload.Role)
		received <- payload.Content
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, client.SendMessage(context.Background(), "agent-1", "task done"))
	require.Equal(t, "task done", <-received)
}

func TestErrorBodyIsDecoded(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"label already in use"}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	_, err := client.CreateBlock(context.Background(), Block{Label: "dup"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "label already in use")
	require.Contains(t, err.Error(), "400")
}
