package task

import (
	"fmt"
	"strings"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// Command kinds form a closed set: unknown tags are rejected at submit time
// instead of being dispatched dynamically on the agent side.
const (
	// KindShell delivers the command text as shell lines.
	CommandShell = "shell"
	// KindPrompt delivers free-form text to a conversational agent.
	CommandPrompt = "prompt"
)

// DefaultCommandKind applies when a submission omits the kind.
const DefaultCommandKind = CommandShell

var commandKinds = map[string]struct{}{
	CommandShell:  {},
	CommandPrompt: {},
}

// ValidateCommand checks the command kind and its payload shape.
func ValidateCommand(kind, command string) error {
	if kind == "" {
		kind = DefaultCommandKind
	}
	if _, ok := commandKinds[kind]; !ok {
		return Validationf("task.validate", "unknown command kind %q", kind)
	}
	if strings.TrimSpace(command) == "" {
		return Validationf("task.validate", "command must not be empty")
	}
	return nil
}

// PayloadLines renders the lines the bridge writes between the sentinels.
func PayloadLines(t *v1.Task) ([]string, error) {
	kind := t.Kind
	if kind == "" {
		kind = DefaultCommandKind
	}
	switch kind {
	case CommandShell, CommandPrompt:
		lines := strings.Split(strings.TrimRight(t.Command, "\n"), "\n")
		return lines, nil
	default:
		return nil, Validationf("task.payload", "unknown command kind %q", kind)
	}
}

// Describe returns a short human label for logs.
func Describe(t *v1.Task) string {
	if t.Name != "" {
		return t.Name
	}
	if len(t.Command) > 40 {
		return fmt.Sprintf("%.40s…", t.Command)
	}
	return t.Command
}
