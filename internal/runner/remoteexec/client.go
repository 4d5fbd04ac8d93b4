package remoteexec

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

	"github.com/gorilla/websocket"

	"errand/internal/runner"
)

// ErrSessionNotFound is returned for file operations against a task with no
// live session.
var ErrSessionNotFound = errors.New("no live session for task")

// Config holds runner-server connection settings.
type Config struct {
	BaseURL     string // http(s) endpoint of the runner server
	Token       string
	Timeout     time.Duration // per-task execution deadline, default 5m
	HTTPTimeout time.Duration // REST call timeout, default 30s
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// createSession opens a session at the runner server.
func (e *Executor) createSession(ctx context.Context, taskID string) (string, error) {
	payload := struct {
		TaskID string `json:"task_id"`
	}{TaskID: taskID}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := e.doJSON(ctx, http.MethodPost, "/v1/sessions", payload, &created); err != nil {
		return "", fmt.Errorf("create session for %s: %w", taskID, err)
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("create session for %s: empty session id", taskID)
	}
	return created.SessionID, nil
}

// sendPrompt posts the prompt into the session.
func (e *Executor) sendPrompt(ctx context.Context, sessionID, prompt string) error {
	payload := struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt}

	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/prompt"
	if err := e.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("send prompt to %s: %w", sessionID, err)
	}
	return nil
}

// SendFollowUp forwards a caller message into a live session as an
// additional prompt.
func (e *Executor) SendFollowUp(ctx context.Context, taskID, message string) error {
	session, ok := e.lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, taskID)
	}
	return e.sendPrompt(ctx, session.id, message)
}

// abortSession asks the runner server to stop the session.
func (e *Executor) abortSession(ctx context.Context, sessionID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/abort"
	if err := e.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

// ListFiles enumerates the session workspace. Valid only while the session
// is alive.
func (e *Executor) ListFiles(ctx context.Context, taskID, path string) ([]runner.FileInfo, error) {
	session, ok := e.lookup(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, taskID)
	}

	endpoint := "/v1/sessions/" + url.PathEscape(session.id) + "/files"
	if path != "" {
		endpoint += "?path=" + url.QueryEscape(path)
	}
	var listed struct {
		Files []runner.FileInfo `json:"files"`
	}
	if err := e.doJSON(ctx, http.MethodGet, endpoint, nil, &listed); err != nil {
		return nil, fmt.Errorf("list files of %s: %w", taskID, err)
	}
	return listed.Files, nil
}

// ReadFile fetches one file's content from the session workspace.
func (e *Executor) ReadFile(ctx context.Context, taskID, path string) (string, error) {
	session, ok := e.lookup(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, taskID)
	}

	endpoint := "/v1/sessions/" + url.PathEscape(session.id) + "/files/content?path=" + url.QueryEscape(path)
	var read struct {
		Content string `json:"content"`
	}
	if err := e.doJSON(ctx, http.MethodGet, endpoint, nil, &read); err != nil {
		return "", fmt.Errorf("read file %s of %s: %w", path, taskID, err)
	}
	return read.Content, nil
}

// subscribeEvents opens the session's WebSocket event stream.
func (e *Executor) subscribeEvents(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	wsURL, err := websocketURL(e.config.BaseURL, "/v1/sessions/"+url.PathEscape(sessionID)+"/events")
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if e.config.Token != "" {
		header.Set("Authorization", "Bearer "+e.config.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe events of %s: %w", sessionID, err)
	}
	return conn, nil
}

func websocketURL(baseURL, path string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse runner url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	return parsed.String(), nil
}

func (e *Executor) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.config.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.Token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner server error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
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
