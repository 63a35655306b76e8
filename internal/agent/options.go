package agent

import (
	"encoding/json"

	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/stream"
	"github.com/optahq/opta/internal/tools"
)

// StreamCallbacks is the structured onStream callback set. Every field is
// optional. Callbacks run on the loop's goroutines but never concurrently
// with each other, except OnInsight, which is delivered on its own
// goroutine and may overlap the others.
type StreamCallbacks struct {
	OnToken    func(text string)
	OnThinking func(text string)

	OnToolStart func(name, id string, args json.RawMessage)
	OnToolEnd   func(name, id, result string)

	// OnPermissionRequest resolves interactive approval.
	OnPermissionRequest func(name string, args json.RawMessage) policy.Approval

	// OnPauseContinue is asked when the circuit breaker pauses. Returning
	// false ends the session with StatusPaused. Nil means non-interactive.
	OnPauseContinue func(toolCalls int) bool

	OnConnectionStatus func(status stream.Status, attempt int)
	OnUsage            func(inputTokens, outputTokens int)
	OnInsight          func(ev tools.CaptureEvent)
	OnAtpoState        func(consecutiveErrors, toolCalls int)

	OnSubAgentSpawn    func(prompt string)
	OnSubAgentProgress func(text string)
	OnSubAgentDone     func(result string)

	OnBrowserEvent func(tool, sessionID string, approved bool)
}

// Options tune one agent invocation.
type Options struct {
	// Prior seeds the conversation from persisted history (starting with
	// its system message) instead of building a fresh one.
	Prior []provider.Message

	SessionID string

	// Silent suppresses token/thinking callbacks.
	Silent bool

	// TaskMode is "", "plan", "review", or "research".
	TaskMode string

	// Images are attachment references appended to the task message.
	Images []string

	// SubAgent marks a derived instance: no prompting, no checkpoints,
	// no further delegation.
	SubAgent bool

	Profile string

	// MaxTurns bounds the number of streaming turns; 0 means the level's
	// budget decides.
	MaxTurns int

	Callbacks StreamCallbacks
}

// Result is the outcome of one agent invocation.
type Result struct {
	Messages      []provider.Message
	ToolCallCount int
	Status        Status
	// Thinking is the hidden reasoning from the final turn.
	Thinking string
}
