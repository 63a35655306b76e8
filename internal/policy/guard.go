package policy

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Shell browser-automation guard: run_command must never drive a browser
// through platform GUI automation; the browser tools exist for that and
// carry their own risk evaluation.

// GuardMessage is returned as the denial reason.
const GuardMessage = "GUI automation against a browser is not allowed from the shell; " +
	"use the browser_* tools instead"

var guiAutomationBins = map[string]bool{
	"osascript": true,
	"xdotool":   true,
	"cliclick":  true,
	"ydotool":   true,
	"wmctrl":    true,
}

// browserNames match product names, process names, and the product part of
// app bundle ids (com.apple.Safari, org.mozilla.firefox, ...). A command
// that drives a window by bare id or an unrelated title is out of reach
// here; the automation binaries themselves stay subject to the shell
// blockers and the run_command permission.
var browserNames = []string{
	"chrome", "chromium", "safari", "firefox", "mozilla", "edge", "msedge",
	"opera", "brave", "vivaldi", "webkit", "browser",
}

// IsBrowserAutomation reports whether a shell command invokes a GUI
// automation binary with a browser as its target. The command is always
// parsed, so pipelines and compound statements are walked; an unparseable
// command falls back to a conservative word scan for the binaries.
func IsBrowserAutomation(command string) bool {
	return invokesGUIAutomation(command) && referencesBrowser(command)
}

// invokesGUIAutomation parses the command and reports whether any call
// invokes a known GUI automation binary.
func invokesGUIAutomation(command string) bool {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		// Parse failure: fall back to scanning whitespace-split words.
		for _, w := range strings.Fields(strings.ToLower(command)) {
			if guiAutomationBins[w] {
				return true
			}
		}
		return false
	}

	found := false
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		lit := wordLiteral(call.Args[0])
		if guiAutomationBins[strings.ToLower(lit)] {
			found = true
		}
		return !found
	})
	return found
}

// referencesBrowser reports whether the command mentions a browser by
// name, process, or bundle id.
func referencesBrowser(command string) bool {
	lower := strings.ToLower(command)
	for _, name := range browserNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// wordLiteral flattens a shell word into its literal text, ignoring
// expansions.
func wordLiteral(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			b.WriteString(lit.Value)
		}
	}
	return b.String()
}
