// Package rooms is the outbound-only adapter for the chat-room backend.
// When rooms are enabled the broker mirrors task progress into one room per
// task so human operators can watch and intervene; nothing in the task
// lifecycle depends on a room call succeeding.
package rooms

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

	"github.com/PuerkitoBio/goquery"

	"errand/internal/logging"
)

// ErrRoomNotFound is returned for unknown room handles (remote 404).
var ErrRoomNotFound = errors.New("room not found")

// Room is the broker's view of a chat room.
type Room struct {
	ID    string `json:"room_id"`
	Name  string `json:"name"`
	Topic string `json:"topic,omitempty"`
}

// ControlNote is the structured payload mirrored into a room when a control
// signal is applied to its task.
type ControlNote struct {
	TaskID  string `json:"task_id"`
	Control string `json:"control"`
	Reason  string `json:"reason,omitempty"`
}

// Config holds room-backend connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // defaults to 15s
}

// Client talks to the room backend. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a room-backend client.
func NewClient(config Config, logger logging.Logger) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// CreateRoom opens a room with the given name, topic, and initial invitees.
func (c *Client) CreateRoom(ctx context.Context, name, topic string, invitees []string) (*Room, error) {
	payload := struct {
		Name     string   `json:"name"`
		Topic    string   `json:"topic,omitempty"`
		Invitees []string `json:"invitees,omitempty"`
	}{Name: name, Topic: topic, Invitees: invitees}

	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", payload, &room); err != nil {
		return nil, fmt.Errorf("create room %q: %w", name, err)
	}
	room.Name = name
	room.Topic = topic
	return &room, nil
}

type message struct {
	Type          string `json:"msgtype"`
	Body          string `json:"body"`
	FormattedBody string `json:"formatted_body,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// SendText posts a plain text message.
func (c *Client) SendText(ctx context.Context, roomID, body string) error {
	if err := c.send(ctx, roomID, message{Type: "text", Body: body}); err != nil {
		return fmt.Errorf("send text to %s: %w", roomID, err)
	}
	return nil
}

// SendHTML posts a rich message carrying both the HTML and a derived
// plaintext body. Servers that reject rich messages get one plaintext
// resend.
func (c *Client) SendHTML(ctx context.Context, roomID, markup string) error {
	plain := HTMLToPlaintext(markup)
	err := c.send(ctx, roomID, message{Type: "html", Body: plain, FormattedBody: markup})
	if err == nil {
		return nil
	}
	if !isRichRejection(err) {
		return fmt.Errorf("send html to %s: %w", roomID, err)
	}

	c.logger.Debug("room %s rejected html message, resending plaintext", roomID)
	return c.SendText(ctx, roomID, plain)
}

// SendControl mirrors an applied control signal as a structured message.
func (c *Client) SendControl(ctx context.Context, roomID string, note ControlNote) error {
	body := fmt.Sprintf("control %s applied to %s", note.Control, note.TaskID)
	if note.Reason != "" {
		body += ": " + note.Reason
	}
	if err := c.send(ctx, roomID, message{Type: "control", Body: body, Data: note}); err != nil {
		return fmt.Errorf("send control to %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, roomID string, msg message) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", msg, nil)
}

// Invite adds a user to the room.
func (c *Client) Invite(ctx context.Context, roomID, userID string) error {
	payload := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/invite", payload, nil); err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// Kick removes a user from the room.
func (c *Client) Kick(ctx context.Context, roomID, userID, reason string) error {
	payload := struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason,omitempty"`
	}{UserID: userID, Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/kick", payload, nil); err != nil {
		return fmt.Errorf("kick %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// SetTopic replaces the room topic.
func (c *Client) SetTopic(ctx context.Context, roomID, topic string) error {
	payload := struct {
		Topic string `json:"topic"`
	}{Topic: topic}
	if err := c.do(ctx, http.MethodPut, "/rooms/"+url.PathEscape(roomID)+"/topic", payload, nil); err != nil {
		return fmt.Errorf("set topic on %s: %w", roomID, err)
	}
	return nil
}

// Leave exits the room without archiving it.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil); err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}
	return nil
}

// Archive marks the room read-only for its members and leaves it.
func (c *Client) Archive(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/archive", nil, nil); err != nil {
		return fmt.Errorf("archive %s: %w", roomID, err)
	}
	return nil
}

// apiError keeps the status code addressable for the HTML-rejection check.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("room backend error %d: %s", e.status, e.body)
}

// isRichRejection reports whether the backend refused the rich payload
// shape rather than the request as a whole.
func isRichRejection(err error) bool {
	var api *apiError
	if !errors.As(err, &api) {
		return false
	}
	switch api.status {
	case http.StatusBadRequest, http.StatusNotAcceptable, http.StatusUnsupportedMediaType:
		return true
	default:
		return false
	}
}

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

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
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

// HTMLToPlaintext derives a readable plaintext body from message markup.
func HTMLToPlaintext(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}

	doc.Find("br").Each(func(_ int, sel *goquery.Selection) {
		sel.ReplaceWithHtml("\n")
	})
	doc.Find("p, div, li, tr, h1, h2, h3, h4, pre").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
