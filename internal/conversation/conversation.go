// Package conversation holds the ordered message list for one agent
// invocation and keeps it inside the context window via observation
// masking and model-driven compaction.
package conversation

import (
	"fmt"
	"time"

	"github.com/optahq/opta/internal/provider"
)

// Conv is the ordered message sequence for one agent invocation. It begins
// with exactly one system message and is mutated only by the orchestrator
// between streaming turns.
type Conv struct {
	msgs []provider.Message
}

// New creates a conversation seeded with a system prompt.
func New(systemPrompt string) *Conv {
	return &Conv{msgs: []provider.Message{{
		Role:      "system",
		Content:   systemPrompt,
		CreatedAt: time.Now(),
	}}}
}

// FromMessages restores a conversation from persisted history. The first
// message must be the system message.
func FromMessages(msgs []provider.Message) (*Conv, error) {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return nil, fmt.Errorf("conversation must begin with a system message")
	}
	c := &Conv{msgs: make([]provider.Message, len(msgs))}
	copy(c.msgs, msgs)
	return c, nil
}

// Append adds a message to the end of the sequence.
func (c *Conv) Append(m provider.Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	c.msgs = append(c.msgs, m)
}

// Messages returns the live message slice. The orchestrator owns the
// conversation; callers must not retain this across turns.
func (c *Conv) Messages() []provider.Message { return c.msgs }

// Len returns the message count.
func (c *Conv) Len() int { return len(c.msgs) }

// Last returns the final message (the system message when nothing else has
// been appended), or nil when the conversation is empty.
func (c *Conv) Last() *provider.Message {
	if len(c.msgs) == 0 {
		return nil
	}
	return &c.msgs[len(c.msgs)-1]
}

// SetSystem replaces the system message content (used for manifest
// re-injection between turns).
func (c *Conv) SetSystem(content string) {
	c.msgs[0].Content = content
}

// System returns the system message content.
func (c *Conv) System() string { return c.msgs[0].Content }

// maskedMarker replaces masked tool observation content.
const maskedMarker = "[older tool output masked]"

// MaskOldObservations replaces the content of tool messages older than the
// last keep tool messages with a short marker. The message sequence shape
// (role, tool_call_id) is untouched. Returns how many messages were masked.
func (c *Conv) MaskOldObservations(keep int) int {
	if keep < 0 {
		keep = 0
	}
	// Walk backwards counting tool messages; everything past keep is masked.
	seen := 0
	masked := 0
	for i := len(c.msgs) - 1; i > 0; i-- {
		if c.msgs[i].Role != "tool" {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		if c.msgs[i].Content == maskedMarker {
			continue
		}
		c.msgs[i].Content = maskedMarker
		masked++
	}
	return masked
}
