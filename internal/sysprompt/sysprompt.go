// Package sysprompt assembles the system prompt: role description,
// autonomy block, project context, mode rules, and the capability manifest.
package sysprompt

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed base.md
var basePrompt string

//go:embed autonomy.md
var autonomyPrompt string

// Manifest marker pair. Re-injection replaces whatever sits between them,
// so building twice on the same config yields the same prompt.
const (
	manifestStart = "<!-- opta:manifest -->"
	manifestEnd   = "<!-- /opta:manifest -->"
)

// ProjectContext supplies an optional repository summary fragment.
type ProjectContext interface {
	Fragment() string
}

// Params drive prompt assembly.
type Params struct {
	WorkDir string

	// Level is the autonomy level (1-5); CEO selects executive mode.
	Level int
	CEO   bool
	// Sustained adds the level-5 long-haul directive.
	Sustained bool

	// TaskMode alters tool rules: "", "plan", "review", or "research".
	TaskMode string

	Profile   string
	ToolNames []string

	ResearchEnabled bool
	BrowserEnabled  bool
	LearningEnabled bool
	PolicyEnabled   bool

	// Project is optional; a nil or empty fragment adds nothing.
	Project ProjectContext

	// ExportMap lists artifacts the agent should produce, name -> path.
	ExportMap map[string]string

	// CompatWarnings carries telemetry about prior tool-protocol failures
	// for this model.
	CompatWarnings []string

	// LearningBlock is a retrieval fragment from the learning ledger.
	LearningBlock string
}

var modeBlocks = map[string]string{
	"plan": "You are in plan mode: investigate and produce a plan. Do not " +
		"modify files or run state-changing commands; read-only tools only.",
	"review": "You are in review mode: read and critique. Report findings " +
		"as text; do not modify files.",
	"research": "You are in research mode: gather information with read and " +
		"browser tools, then synthesize. Do not modify files.",
}

// Build assembles the full system prompt.
func Build(p Params) string {
	var parts []string

	parts = append(parts, strings.TrimSpace(basePrompt))
	parts = append(parts, "Working directory: "+p.WorkDir)

	if p.Level > 1 || p.CEO {
		parts = append(parts, strings.TrimSpace(autonomyPrompt))
	}
	if p.Sustained {
		parts = append(parts, "Sustained operation: you are budgeted for long multi-cycle work. "+
			"Re-plan at every cycle boundary and keep intermediate state in files, not in memory.")
	}
	if p.CEO {
		parts = append(parts, "Executive mode: use live data, not recall, for any figure you report. "+
			"An executive report is written at session end; keep notable findings explicit in your replies.")
	}

	if p.Project != nil {
		if frag := strings.TrimSpace(p.Project.Fragment()); frag != "" {
			parts = append(parts, frag)
		}
	}

	if len(p.ExportMap) > 0 {
		names := make([]string, 0, len(p.ExportMap))
		for name := range p.ExportMap {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("Expected exports:")
		for _, name := range names {
			fmt.Fprintf(&b, "\n- %s: %s", name, p.ExportMap[name])
		}
		parts = append(parts, b.String())
	}

	if block, ok := modeBlocks[p.TaskMode]; ok {
		parts = append(parts, block)
	}

	parts = append(parts, manifestBlock(p))

	if len(p.CompatWarnings) > 0 {
		var b strings.Builder
		b.WriteString("Tool-protocol notes for this model:")
		for _, w := range p.CompatWarnings {
			b.WriteString("\n- " + w)
		}
		b.WriteString("\nEmit tool calls only through the native interface.")
		parts = append(parts, b.String())
	}

	if p.LearningBlock != "" {
		parts = append(parts, "Relevant notes from earlier sessions:\n"+p.LearningBlock)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// manifestBlock renders the active-capability manifest.
func manifestBlock(p Params) string {
	mode := "execution"
	if p.CEO {
		mode = "ceo"
	}
	if p.TaskMode != "" {
		mode = p.TaskMode
	}
	var b strings.Builder
	b.WriteString(manifestStart)
	fmt.Fprintf(&b, "\nmode: %s", mode)
	fmt.Fprintf(&b, "\nautonomy_level: %d", p.Level)
	if p.Profile != "" {
		fmt.Fprintf(&b, "\nprofile: %s", p.Profile)
	}
	fmt.Fprintf(&b, "\ntools: %d", len(p.ToolNames))
	fmt.Fprintf(&b, "\nresearch: %v", p.ResearchEnabled)
	fmt.Fprintf(&b, "\nbrowser: %v", p.BrowserEnabled)
	fmt.Fprintf(&b, "\nlearning: %v", p.LearningEnabled)
	fmt.Fprintf(&b, "\npolicy: %v", p.PolicyEnabled)
	b.WriteString("\n")
	b.WriteString(manifestEnd)
	return b.String()
}

// InjectManifest replaces the marker-delimited manifest block inside an
// existing prompt, or appends one when absent. Idempotent: injecting the
// same params twice leaves the prompt unchanged.
func InjectManifest(prompt string, p Params) string {
	block := manifestBlock(p)
	start := strings.Index(prompt, manifestStart)
	end := strings.Index(prompt, manifestEnd)
	if start >= 0 && end > start {
		return prompt[:start] + block + prompt[end+len(manifestEnd):]
	}
	return prompt + "\n\n---\n\n" + block
}
