package broker

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"errand/internal/runner"
	"errand/internal/task"
)

// previewLimit bounds the output excerpt carried in caller notifications and
// room summaries.
const previewLimit = 1024

// truncatePreview cuts text to the limit on a rune boundary.
func truncatePreview(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// statusMarker returns the prefix for caller notifications.
func statusMarker(status task.Status) string {
	switch status {
	case task.StatusCompleted:
		return "✅"
	case task.StatusTimeout:
		return "⏱️"
	case task.StatusCancelled:
		return "🚫"
	default:
		return "❌"
	}
}

// notificationText renders the completion message sent back to the caller.
func notificationText(t *task.Task, result *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Task %s %s", statusMarker(t.Status), t.ID, t.Status)
	if t.Description != "" {
		fmt.Fprintf(&b, " (%s)", truncatePreview(t.Description, 120))
	}
	b.WriteString(".")
	if result != nil && result.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", truncatePreview(result.Error, previewLimit))
	}
	if result != nil && result.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s", truncatePreview(result.Output, previewLimit))
	}
	if t.WorkspaceID != "" {
		fmt.Fprintf(&b, "\nFull transcript in workspace %s.", t.WorkspaceID)
	}
	return b.String()
}

// summaryHTML renders the room closing summary. The room client derives the
// plaintext fallback from this markup.
func summaryHTML(t *task.Task, result *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h4>Task %s: %s</h4>", html.EscapeString(t.ID), html.EscapeString(string(t.Status)))
	if t.Description != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(truncatePreview(t.Description, 300)))
	}
	if result != nil {
		fmt.Fprintf(&b, "<p>Duration: %dms</p>", result.DurationMS)
		if result.Error != "" {
			fmt.Fprintf(&b, "<p>Error: %s</p>", html.EscapeString(truncatePreview(result.Error, previewLimit)))
		}
		if result.Output != "" {
			fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(truncatePreview(result.Output, previewLimit)))
		}
	}
	return b.String()
}
