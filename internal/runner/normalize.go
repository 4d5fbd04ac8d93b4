package runner

import (
	"fmt"
	"strings"
	"time"
)

// statusFields are the property names that may carry a terminal status in a
// raw event. Probed in order, including one level into nested maps.
var statusFields = []string{"status", "state", "phase", "result"}

// sessionFields are the property names a backend may use to correlate an
// event with its session. Probed at the event root, then inside the "info"
// and "part" sub-objects.
var sessionFields = []string{"session_id", "sessionId", "sessionID", "session", "sid"}

// completionTypes are raw type strings that always mean the session is done.
var completionTypes = map[string]bool{
	"session.idle": true,
	"finish":       true,
	"finish-step":  true,
	"done":         true,
	"complete":     true,
}

// terminalStatusValues are status-field values that mean completion.
var terminalStatusValues = map[string]bool{
	"complete":  true,
	"completed": true,
	"finished":  true,
	"success":   true,
	"succeeded": true,
	"done":      true,
}

// failureStatusValues are status-field values that mean the session ended
// without completing. These keep the raw type so the outer layer observes
// the failure instead of mislabeling it as completion.
var failureStatusValues = map[string]bool{
	"timeout":   true,
	"cancelled": true,
	"canceled":  true,
	"failed":    true,
}

// Normalize maps a raw backend event onto the internal taxonomy. The zero
// Event with Type EventUnknown is returned for shapes nothing matched.
func Normalize(raw RawEvent) Event {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      classify(raw),
		RawType:   raw.Type,
		Message:   eventMessage(raw),
		Data:      raw.Properties,
	}
	return event
}

// BelongsToSession reports whether the raw event is for the given session.
// Events carrying no session correlation at all are assumed local to the
// stream they arrived on and kept.
func BelongsToSession(raw RawEvent, sessionID string) bool {
	if sessionID == "" {
		return true
	}
	found := false
	for _, scope := range []map[string]any{raw.Properties, subObject(raw.Properties, "info"), subObject(raw.Properties, "part")} {
		if scope == nil {
			continue
		}
		for _, field := range sessionFields {
			value, ok := scope[field]
			if !ok {
				continue
			}
			found = true
			if text, ok := value.(string); ok && text == sessionID {
				return true
			}
		}
	}
	return !found
}

func subObject(properties map[string]any, key string) map[string]any {
	if properties == nil {
		return nil
	}
	if nested, ok := properties[key].(map[string]any); ok {
		return nested
	}
	return nil
}

func classify(raw RawEvent) EventType {
	rawType := strings.ToLower(strings.TrimSpace(raw.Type))

	// A failure status wins over any completion spelling in the type tag.
	if status, ok := terminalStatus(raw.Properties); ok && failureStatusValues[status] {
		return classifyShape(rawType)
	}

	if isCompletionType(rawType) {
		return EventComplete
	}
	if status, ok := terminalStatus(raw.Properties); ok && terminalStatusValues[status] {
		return EventComplete
	}

	return classifyShape(rawType)
}

// classifyShape maps a non-completion raw type onto the taxonomy.
func classifyShape(rawType string) EventType {
	switch {
	case rawType == "":
		return EventUnknown
	case rawType == "start" || strings.HasPrefix(rawType, "session.start") || strings.HasPrefix(rawType, "start"):
		return EventStart
	case strings.Contains(rawType, "abort") || strings.Contains(rawType, "cancel"):
		return EventAbort
	case strings.Contains(rawType, "error") || strings.Contains(rawType, "fail") ||
		strings.Contains(rawType, "timeout"):
		return EventError
	case strings.Contains(rawType, "tool"):
		return EventToolCall
	case strings.Contains(rawType, "file") || strings.Contains(rawType, "edit") ||
		strings.Contains(rawType, "write") || strings.Contains(rawType, "patch"):
		return EventFileChange
	case strings.Contains(rawType, "output") || strings.Contains(rawType, "message") ||
		strings.Contains(rawType, "text") || strings.Contains(rawType, "stdout") ||
		strings.Contains(rawType, "stderr"):
		return EventOutput
	default:
		return EventUnknown
	}
}

// isCompletionType implements the completion policy over the raw type string
// alone. Case folding happened at the caller.
func isCompletionType(rawType string) bool {
	if completionTypes[rawType] {
		return true
	}
	if strings.HasPrefix(rawType, "finish:") || strings.HasPrefix(rawType, "finish_") {
		return true
	}
	for _, suffix := range []string{":finish", ".finish", "_finish", ":complete", ".complete", "_complete"} {
		if strings.HasSuffix(rawType, suffix) {
			return true
		}
	}
	if strings.Contains(rawType, "session.complete") || strings.Contains(rawType, "session.finished") {
		return true
	}
	if strings.Contains(rawType, "complete") && !strings.Contains(rawType, "incomplete") {
		return true
	}
	if strings.Contains(rawType, "finished") && !strings.Contains(rawType, "unfinished") {
		return true
	}
	if strings.Contains(rawType, "success") && !strings.Contains(rawType, "unsuccess") {
		return true
	}
	return false
}

// terminalStatus finds the first status-bearing field, probing one level of
// nesting, and returns its lower-cased value.
func terminalStatus(properties map[string]any) (string, bool) {
	if properties == nil {
		return "", false
	}
	for _, field := range statusFields {
		value, ok := properties[field]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case string:
			return strings.ToLower(strings.TrimSpace(typed)), true
		case map[string]any:
			if nested, ok := terminalStatus(typed); ok {
				return nested, true
			}
		}
	}
	return "", false
}

// eventMessage extracts a human-readable line from the property bag.
func eventMessage(raw RawEvent) string {
	for _, field := range []string{"message", "text", "output", "content"} {
		if value, ok := raw.Properties[field].(string); ok && value != "" {
			return value
		}
	}
	if raw.Type != "" {
		return raw.Type
	}
	return ""
}

// Describe renders a one-line summary for logs and room mirrors.
func Describe(event Event) string {
	if event.Message != "" && event.Message != event.RawType {
		return fmt.Sprintf("%s: %s", event.Type, event.Message)
	}
	return string(event.Type)
}
