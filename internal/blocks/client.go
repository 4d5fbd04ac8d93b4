// Package blocks is the REST client for the caller-side document store: a
// remote service holding labeled blobs ("blocks") attached to an agent, with
// optimistic concurrency on writes. The broker keeps each task's workspace
// document in one block and notifies callers through the store's message
// endpoint.
package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"errand/internal/logging"
)

var (
	// ErrConflict is returned when a write lost the optimistic-concurrency
	// race (remote 409). Callers re-read and re-merge.
	ErrConflict = errors.New("block version conflict")

	// ErrNotFound is returned for unknown block or agent ids (remote 404).
	ErrNotFound = errors.New("block not found")
)

// Block is one labeled blob at the document store.
type Block struct {
	ID          string `json:"id,omitempty"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
	Limit       int    `json:"limit,omitempty"`
	Version     int    `json:"version,omitempty"`
}

// Config holds document-store connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // defaults to 30s
}

// Client talks to the document store. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a document-store client.
func NewClient(config Config, logger logging.Logger) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// CreateBlock persists a new block and returns it with the server-assigned
// id and version.
func (c *Client) CreateBlock(ctx context.Context, block Block) (*Block, error) {
	var created Block
	if err := c.do(ctx, http.MethodPost, "/v1/blocks", block, &created); err != nil {
		return nil, fmt.Errorf("create block %q: %w", block.Label, err)
	}
	return &created, nil
}

// GetBlock fetches a block by id.
func (c *Client) GetBlock(ctx context.Context, blockID string) (*Block, error) {
	var block Block
	path := "/v1/blocks/" + url.PathEscape(blockID)
	if err := c.do(ctx, http.MethodGet, path, nil, &block); err != nil {
		return nil, fmt.Errorf("get block %s: %w", blockID, err)
	}
	return &block, nil
}

// UpdateBlock writes a new value guarded by the version the caller last
// read. A stale version yields ErrConflict.
func (c *Client) UpdateBlock(ctx context.Context, blockID, value string, expectedVersion int) (*Block, error) {
	payload := struct {
		Value           string `json:"value"`
		ExpectedVersion int    `json:"expected_version"`
	}{Value: value, ExpectedVersion: expectedVersion}

	var updated Block
	path := "/v1/blocks/" + url.PathEscape(blockID)
	if err := c.do(ctx, http.MethodPatch, path, payload, &updated); err != nil {
		return nil, fmt.Errorf("update block %s: %w", blockID, err)
	}
	return &updated, nil
}

// ListAgentBlocks returns every block attached to the agent.
func (c *Client) ListAgentBlocks(ctx context.Context, agentID string) ([]Block, error) {
	var list []Block
	path := "/v1/agents/" + url.PathEscape(agentID) + "/blocks"
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("list blocks for %s: %w", agentID, err)
	}
	return list, nil
}

// AttachBlock associates a block with an agent so the agent can read it.
func (c *Client) AttachBlock(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/blocks/attach/" + url.PathEscape(blockID)
	if err := c.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("attach block %s to %s: %w", blockID, agentID, err)
	}
	return nil
}

// DetachBlock dissociates a block from an agent; the content remains stored.
func (c *Client) DetachBlock(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/blocks/detach/" + url.PathEscape(blockID)
	if err := c.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("detach block %s from %s: %w", blockID, agentID, err)
	}
	return nil
}

// SendMessage delivers a text notification to the agent's message queue.
// Delivery is at-least-once; consumers dedupe on content.
func (c *Client) SendMessage(ctx context.Context, agentID, text string) error {
	payload := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "system", Content: text}

	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("send message to %s: %w", agentID, err)
	}
	return nil
}

// do issues one JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return decodeAPIError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(bodyBytes, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("store error %d: %s", resp.StatusCode, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("store error %d: %s", resp.StatusCode, apiErr.Message)
		}
	}
	return fmt.Errorf("store error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
}
