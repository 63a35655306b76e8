package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/shell"
)

// NewRunCommandTool creates the run_command tool definition.
func NewRunCommandTool() provider.Tool {
	return provider.Tool{
		Name: "run_command",
		Description: `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the working directory; shell state (cwd, env) persists across calls.
Privilege escalation and system modification are blocked.
Use this for builds, tests, linters, git operations, and inspecting project state.`,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command":     {"type": "string", "description": "The shell command to execute"},
				"description": {"type": "string", "description": "Brief description of what this command does"},
				"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60)"}
			},
			"required": ["command"]
		}`),
	}
}

// RunCommandHandler handles run_command calls through the in-process shell.
type RunCommandHandler struct {
	Shell *shell.Shell
}

// Handle executes the command and formats stdout/stderr. A non-zero exit
// is reported in the result text, not as an error, so the model sees it.
func (h *RunCommandHandler) Handle(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return "", fmt.Errorf("command is required")
	}

	res, err := h.Shell.Run(ctx, a.Command, time.Duration(a.Timeout)*time.Second)
	if err != nil {
		return "", err
	}
	return formatRunResult(res), nil
}

// formatRunResult renders a shell result for the model.
func formatRunResult(res shell.Result) string {
	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(res.Stderr)
	}
	if res.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[exit %d]", res.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// hasNonZeroExit recognizes the exit marker formatRunResult appends.
func hasNonZeroExit(result string) bool {
	return strings.Contains(result, "[exit ")
}

// containsWord reports whether the command mentions the pattern as a
// standalone word, where ':', '/', '-' and '.' also separate words ("go
// test", "npm run lint:fix"); "testing" does not match "test".
func containsWord(command, pattern string) bool {
	for _, field := range strings.FieldsFunc(command, func(r rune) bool {
		return r == ' ' || r == ':' || r == '/' || r == '-' || r == '.'
	}) {
		if strings.EqualFold(field, pattern) {
			return true
		}
	}
	return false
}
