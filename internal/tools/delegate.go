package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/optahq/opta/internal/provider"
)

// Spawner runs a derived agent with a narrower prompt and capped depth.
type Spawner interface {
	Spawn(ctx context.Context, prompt string, maxIterations int) (string, error)
}

// NewDelegateTool creates the delegate tool definition.
func NewDelegateTool() provider.Tool {
	return provider.Tool{
		Name: "delegate",
		Description: `Delegate a self-contained task to a sub-agent with its own conversation.
The sub-agent inherits the working directory and tool roster (minus delegation) and returns a text summary.
Use for parallelizable research or mechanical edits; keep the prompt specific.`,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "The sub-agent's task"},
				"max_iterations": {"type": "integer", "description": "Tool-round budget (default 5, max 20)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// DelegateHandler handles delegate calls through a Spawner.
type DelegateHandler struct {
	Spawner Spawner
}

// Handle runs the sub-agent and returns its final content.
func (h *DelegateHandler) Handle(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Prompt        string `json:"prompt"`
		MaxIterations int    `json:"max_iterations"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return h.Spawner.Spawn(ctx, a.Prompt, a.MaxIterations)
}
