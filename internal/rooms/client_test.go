package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeBackend records room-backend requests and serves scripted responses.
type fakeBackend struct {
	mux        *http.ServeMux
	server     *httptest.Server
	messages   []map[string]any
	rejectHTML bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{mux: http.NewServeMux()}

	f.mux.HandleFunc("POST /rooms", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"room_id": "room-42"})
	})
	f.mux.HandleFunc("POST /rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]any
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.rejectHTML && msg["msgtype"] == "html" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		f.messages = append(f.messages, msg)
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("POST /rooms/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("POST /rooms/missing/invite", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) client() *Client {
	return NewClient(Config{BaseURL: f.server.URL, Token: "test-token"}, nil)
}

func TestCreateRoom(t *testing.T) {
	backend := newFakeBackend(t)
	c := backend.client()

	room, err := c.CreateRoom(context.Background(), "task-abc", "run the suite", []string{"@ops"})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if room.ID != "room-42" {
		t.Errorf("room ID = %s", room.ID)
	}
	if room.Name != "task-abc" {
		t.Errorf("room name = %s", room.Name)
	}
}

func TestSendText(t *testing.T) {
	backend := newFakeBackend(t)
	c := backend.client()

	if err := c.SendText(context.Background(), "room-42", "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(backend.messages) != 1 || backend.messages[0]["body"] != "hello" {
		t.Fatalf("unexpected messages: %v", backend.messages)
	}
}

func TestSendHTMLFallsBackToPlaintext(t *testing.T) {
	backend := newFakeBackend(t)
	backend.rejectHTML = true
	c := backend.client()

	err := c.SendHTML(context.Background(), "room-42", "<p>task <b>done</b></p>")
	if err != nil {
		t.Fatalf("SendHTML failed: %v", err)
	}
	if len(backend.messages) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(backend.messages))
	}
	msg := backend.messages[0]
	if msg["msgtype"] != "text" {
		t.Errorf("fallback msgtype = %v", msg["msgtype"])
	}
	if msg["body"] != "task done" {
		t.Errorf("fallback body = %q", msg["body"])
	}
}

func TestSendControlCarriesStructuredNote(t *testing.T) {
	backend := newFakeBackend(t)
	c := backend.client()

	err := c.SendControl(context.Background(), "room-42", ControlNote{
		TaskID:  "task-1",
		Control: "cancel",
		Reason:  "operator request",
	})
	if err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	msg := backend.messages[0]
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is %T", msg["data"])
	}
	if data["control"] != "cancel" || data["task_id"] != "task-1" {
		t.Errorf("note = %v", data)
	}
}

func TestUnknownRoomIsErrRoomNotFound(t *testing.T) {
	backend := newFakeBackend(t)
	c := backend.client()

	err := c.Invite(context.Background(), "missing", "@ops")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestHTMLToPlaintext(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   string
	}{
		{"paragraphs", "<p>one</p><p>two</p>", "one\ntwo"},
		{"line breaks", "first<br>second", "first\nsecond"},
		{"list", "<ul><li>a</li><li>b</li></ul>", "a\nb"},
		{"plain text passes through", "already plain", "already plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToPlaintext(tt.markup); got != tt.want {
				t.Errorf("HTMLToPlaintext(%q) = %q, want %q", tt.markup, got, tt.want)
			}
		})
	}
}
