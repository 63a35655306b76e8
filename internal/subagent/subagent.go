// Package subagent runs derived agent instances: a narrower prompt, an
// inherited (immutable) envelope, capped depth, and no interactive
// surface.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/agent"
	"github.com/optahq/opta/internal/provider"
)

const (
	// DefaultIterations is the tool-round budget when the caller sets none.
	DefaultIterations = 5
	// MaxIterations is the upper bound for a requested budget.
	MaxIterations = 20
)

// Spawner runs sub-agents against a derived copy of the parent's deps.
// It implements tools.Spawner.
type Spawner struct {
	// Base is the parent's dependency set; Spawn derives from it.
	Base agent.Deps
	// Depth is this spawner's recursion depth; at MaxDepth, Spawn refuses.
	Depth    int
	MaxDepth int
	// SystemPrompt is the sub-agent role prompt.
	SystemPrompt string

	OnSpawn    func(prompt string)
	OnProgress func(text string)
	OnDone     func(result string)
}

// Spawn runs one sub-agent to completion and returns its final content.
func (s *Spawner) Spawn(ctx context.Context, prompt string, maxIterations int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("sub-agent cancelled: %w", err)
	}
	if s.Depth >= s.MaxDepth {
		return "", fmt.Errorf("max sub-agent depth reached (%d)", s.MaxDepth)
	}
	if maxIterations > MaxIterations {
		return "", fmt.Errorf("max_iterations too large (max: %d)", MaxIterations)
	}
	if maxIterations <= 0 {
		maxIterations = DefaultIterations
	}

	deps := s.derive()
	opts := agent.Options{
		SubAgent: true,
		Silent:   true,
		MaxTurns: maxIterations,
		Callbacks: agent.StreamCallbacks{
			OnToken: func(text string) {
				if s.OnProgress != nil {
					s.OnProgress(text)
				}
			},
		},
	}

	if s.OnSpawn != nil {
		s.OnSpawn(prompt)
	}
	start := time.Now()
	res, err := agent.Loop(ctx, prompt, deps, opts)
	if err != nil {
		return "", fmt.Errorf("sub-agent failed: %w", err)
	}
	log.Info().
		Int("depth", s.Depth+1).
		Int("tool_calls", res.ToolCallCount).
		Dur("took", time.Since(start)).
		Str("status", string(res.Status)).
		Msg("Sub-agent finished")

	content := finalContent(res.Messages)
	if s.OnDone != nil {
		s.OnDone(content)
	}
	if content == "" {
		return "", fmt.Errorf("sub-agent produced no text (status %s)", res.Status)
	}
	return content, nil
}

// derive builds the sub-agent's dependency set: same collaborators, but a
// sub-agent gate, a tighter envelope, and no checkpoints or persistence.
func (s *Spawner) derive() agent.Deps {
	deps := s.Base

	level := deps.Level
	level.MaxRuntime = level.MaxRuntime / 2
	if level.SubAgentConcurrency > 0 {
		level.MaxParallelTools = level.SubAgentConcurrency
	}
	deps.Level = level

	gate := *deps.Gate
	gate.SubAgent = true
	gate.OnApproval = nil
	deps.Gate = &gate

	deps.Checkpoints = nil
	deps.Store = nil
	deps.Supervisor = nil
	if s.SystemPrompt != "" {
		deps.SystemPrompt = s.SystemPrompt
	}
	return deps
}

// finalContent returns the trailing assistant text.
func finalContent(msgs []provider.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && len(msgs[i].ToolCalls) == 0 {
			return strings.TrimSpace(msgs[i].Content)
		}
	}
	return ""
}
