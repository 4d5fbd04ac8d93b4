package localexec

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"errand/internal/logging"
)

// workerResult is the JSON object a well-behaved worker prints as its final
// stdout line.
type workerResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// parseWorkerResult interprets the worker's aggregated stdout. The last
// non-empty line is expected to be a workerResult object; workers assemble
// it by hand often enough that malformed JSON is repaired before giving up.
// When no line parses, the whole output is the result.
func parseWorkerResult(stdout string, logger logging.Logger) workerResult {
	logger = logging.OrNop(logger)
	line := lastNonEmptyLine(stdout)
	if line == "" || !strings.HasPrefix(line, "{") {
		return workerResult{Output: strings.TrimSpace(stdout)}
	}

	var parsed workerResult
	if err := json.Unmarshal([]byte(line), &parsed); err == nil && (parsed.Output != "" || parsed.Error != "") {
		return parsed
	}

	repaired, err := jsonrepair.JSONRepair(line)
	if err != nil {
		logger.Debug("worker result line is not repairable JSON: %v", err)
		return workerResult{Output: strings.TrimSpace(stdout)}
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil || (parsed.Output == "" && parsed.Error == "") {
		return workerResult{Output: strings.TrimSpace(stdout)}
	}
	logger.Debug("repaired malformed worker result line")
	return parsed
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
