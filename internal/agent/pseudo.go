package agent

import (
	"fmt"
	"regexp"
)

// Pseudo tool markup: assistant text that imitates a tool call instead of
// using the native interface. Two shapes are recognized: XML-like paired
// tags whose name is (or resembles) a tool, and line-leading plain-text
// directives.

var (
	xmlTagRe = regexp.MustCompile(`(?s)<([a-z][a-z0-9_]*)>(.*?)</([a-z][a-z0-9_]*)>`)
	// "tool_name(...)" or "CALL tool_name" at the start of a line.
	callDirectiveRe = regexp.MustCompile(`(?mi)^\s*(?:CALL\s+([a-z][a-z0-9_]*)|([a-z][a-z0-9_]*)\(\s*["{].*\)\s*$)`)
)

// toolishNames are markup names treated as tool imitations even when they
// are not on the active roster (models trained on other harnesses emit
// these).
var toolishNames = map[string]bool{
	"execute_command": true,
	"run_terminal":    true,
	"shell":           true,
	"bash":            true,
	"read":            true,
	"write":           true,
	"str_replace":     true,
	"tool_call":       true,
	"function_call":   true,
	"invoke":          true,
}

// DetectPseudoMarkup reports whether text imitates a tool call, and the
// offending name.
func DetectPseudoMarkup(text string, activeTools []string) (string, bool) {
	active := make(map[string]bool, len(activeTools))
	for _, name := range activeTools {
		active[name] = true
	}

	for _, m := range xmlTagRe.FindAllStringSubmatch(text, -1) {
		open, close := m[1], m[3]
		if open != close {
			continue
		}
		if active[open] || toolishNames[open] {
			return open, true
		}
	}

	for _, m := range callDirectiveRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if active[name] || toolishNames[name] {
			return name, true
		}
	}
	return "", false
}

// protocolCorrection is the one automated retry message.
func protocolCorrection(name string) string {
	return fmt.Sprintf(
		"Your last reply contained %q markup instead of a native tool call. "+
			"Text output is never executed. Re-issue the action through the "+
			"tool-calling interface, or reply in plain prose if no action is needed.", name)
}

// protocolGuidance ends the run after a second offense.
const protocolGuidance = "I wasn't able to execute the actions in my previous replies because they " +
	"were written as text rather than tool calls. Please re-run the request, " +
	"or switch to a model with native tool-calling support."
