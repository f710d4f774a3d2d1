package bridge

import (
	"regexp"
	"strings"
)

// Sentinel markers frame a task inside the agent's pane. Agents are
// contract-bound to echo them; everything between the END sentinel and the
// next shell prompt is the task's result.
const (
	startMarker    = "### TASK_START:"
	endMarker      = "### TASK_END:"
	completedMarker = "COMPLETED:"
	failedMarker    = "FAILED:"
	errorMarker     = "ERROR:"
)

// StartSentinel returns the line written before the task payload.
func StartSentinel(taskID string) string { return startMarker + taskID }

// EndSentinel returns the line written after the task payload.
func EndSentinel(taskID string) string { return endMarker + taskID }

// promptRe matches a bare shell prompt line: at most one token (user@host,
// a path) before the prompt character.
var promptRe = regexp.MustCompile(`^\s*\S{0,40}\s?[$%#>]\s*$`)

// Outcome is the parsed result of one task's pane output.
type Outcome struct {
	Done     bool
	Success  bool
	Output   string
	Reason   string
	Protocol bool // sentinel contract violated; never retried
}

// ParseOutcome scans a pane capture for the outcome of the given task. It
// returns Done=false while the agent is still working. A completion marker
// carrying a different task id after our START sentinel is a contract
// violation and reported as a protocol failure.
func ParseOutcome(pane, taskID string) Outcome {
	lines := strings.Split(pane, "\n")

	// Work from the last echo of our START sentinel; earlier occurrences
	// belong to previous attempts still visible in scrollback.
	start := -1
	for i, line := range lines {
		if strings.Contains(line, startMarker+taskID) {
			start = i
		}
	}
	if start < 0 {
		return Outcome{}
	}

	endIdx := -1
	for i := start + 1; i < len(lines); i++ {
		line := lines[i]

		if id, ok := markerID(line, completedMarker); ok {
			if id != taskID {
				return protocolViolation(taskID, id)
			}
			return Outcome{
				Done:    true,
				Success: true,
				Output:  strings.TrimSpace(strings.TrimPrefix(afterMarker(line, completedMarker), id)),
			}
		}
		if id, ok := markerID(line, failedMarker); ok {
			if id != taskID {
				return protocolViolation(taskID, id)
			}
			return Outcome{
				Done:   true,
				Reason: strings.TrimSpace(strings.TrimPrefix(afterMarker(line, failedMarker), id)),
			}
		}
		if id, ok := markerID(line, errorMarker); ok {
			if id != taskID {
				return protocolViolation(taskID, id)
			}
			return Outcome{
				Done:   true,
				Reason: strings.TrimSpace(strings.TrimPrefix(afterMarker(line, errorMarker), id)),
			}
		}
		if id, ok := markerID(line, startMarker); ok && id != taskID {
			return protocolViolation(taskID, id)
		}
		if strings.Contains(line, endMarker+taskID) {
			endIdx = i
		}
	}

	// No explicit marker. The END sentinel followed by a shell prompt means
	// the agent finished; the text in between is the result.
	if endIdx < 0 {
		return Outcome{}
	}
	var output []string
	for i := endIdx + 1; i < len(lines); i++ {
		line := lines[i]
		if promptRe.MatchString(line) && !strings.Contains(line, endMarker) {
			return Outcome{
				Done:    true,
				Success: true,
				Output:  strings.TrimSpace(strings.Join(output, "\n")),
			}
		}
		if strings.TrimSpace(line) != "" {
			output = append(output, line)
		}
	}
	return Outcome{}
}

func protocolViolation(want, got string) Outcome {
	return Outcome{
		Done:     true,
		Protocol: true,
		Reason:   "interleaved sentinel: expected task " + want + ", saw " + got,
	}
}

// markerID extracts the task id following a marker, if the line carries one.
func markerID(line, marker string) (string, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(marker):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
	if end < 0 {
		end = len(rest)
	}
	id := strings.TrimSpace(rest[:end])
	if id == "" {
		return "", false
	}
	return id, true
}

func afterMarker(line, marker string) string {
	idx := strings.Index(line, marker)
	return line[idx+len(marker):]
}
