// Package cli renders agent events and errors for the terminal surface.
package cli

import (
	"fmt"
	"io"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/x/ansi"

	"github.com/optahq/opta/internal/agent"
)

var (
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#932e2e")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e6e6e"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5CC"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#b8860b"))
	sectionStyle = lipgloss.NewStyle().Bold(true)
)

// RenderError formats a terminal error as a categorized single line plus a
// dimmed suggestion when one applies.
func RenderError(err error) string {
	kind, msg, suggestion := agent.Categorize(err)
	line := errStyle.Render(fmt.Sprintf("error (%s):", kind)) + " " + msg
	if suggestion != "" {
		line += "\n" + dimStyle.Render(suggestion)
	}
	return line
}

// Printer streams agent output to a writer with light styling. Text given
// to Token and Thinking is already control-sequence sanitized by the
// collector, and ToolStart strips control sequences from its argument
// preview; ToolEnd prints the result's first line as given. Printer adds
// its own styling on top.
type Printer struct {
	Out io.Writer
	// ShowThinking renders thinking spans dimmed instead of dropping them.
	ShowThinking bool
}

// Token writes visible assistant text.
func (p *Printer) Token(text string) {
	fmt.Fprint(p.Out, text)
}

// Thinking writes a thinking fragment, dimmed.
func (p *Printer) Thinking(text string) {
	if !p.ShowThinking {
		return
	}
	fmt.Fprint(p.Out, dimStyle.Render(text))
}

// ToolStart announces a tool invocation.
func (p *Printer) ToolStart(name, id string, args []byte) {
	preview := ansi.Strip(string(args))
	if len(preview) > 120 {
		preview = preview[:120] + "…"
	}
	fmt.Fprintf(p.Out, "\n%s %s\n", toolStyle.Render("▸ "+name), dimStyle.Render(preview))
}

// ToolEnd reports a tool result summary.
func (p *Printer) ToolEnd(name, id, result string) {
	first := result
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	if len(first) > 160 {
		first = first[:160] + "…"
	}
	fmt.Fprintf(p.Out, "%s\n", dimStyle.Render("  ↳ "+first))
}

// ConnectionStatus reports stream connectivity changes.
func (p *Printer) ConnectionStatus(status string, attempt int) {
	if attempt > 0 {
		fmt.Fprintf(p.Out, "%s\n", statusStyle.Render(fmt.Sprintf("[%s, attempt %d]", status, attempt)))
		return
	}
	if status != "connected" && status != "connecting" {
		fmt.Fprintf(p.Out, "%s\n", statusStyle.Render("["+status+"]"))
	}
}

// Section prints a bold header line.
func (p *Printer) Section(title string) {
	fmt.Fprintf(p.Out, "\n%s\n", sectionStyle.Render(title))
}
