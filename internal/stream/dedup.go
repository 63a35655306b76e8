// Package stream layers retry, mid-stream recovery, and response collection
// on top of the provider transports.
package stream

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// prefixBuffer tracks text already emitted downstream and, during replay,
// how much of that prefix the reconnected stream has re-delivered.
type prefixBuffer struct {
	emitted   strings.Builder
	replayPos int
	diverged  bool
}

// record appends live (already yielded) text.
func (b *prefixBuffer) record(s string) {
	b.emitted.WriteString(s)
}

// beginReplay resets the replay cursor for a fresh reconnect.
func (b *prefixBuffer) beginReplay() {
	b.replayPos = 0
	b.diverged = false
}

// trim consumes a replayed fragment against the emitted prefix and returns
// the part that is genuinely new. Three cases: the fragment sits inside the
// prefix (nothing new), it continues past the prefix (the continuation is
// new), or it diverges (trimming stops and the fragment passes through).
func (b *prefixBuffer) trim(fragment string) string {
	if fragment == "" {
		return ""
	}
	if b.diverged {
		b.emitted.WriteString(fragment)
		return fragment
	}
	remaining := b.emitted.String()[b.replayPos:]
	if remaining == "" {
		b.emitted.WriteString(fragment)
		b.replayPos = b.emitted.Len()
		return fragment
	}
	if strings.HasPrefix(remaining, fragment) {
		b.replayPos += len(fragment)
		return ""
	}
	if strings.HasPrefix(fragment, remaining) {
		continuation := fragment[len(remaining):]
		b.replayPos = b.emitted.Len()
		b.emitted.WriteString(continuation)
		b.replayPos = b.emitted.Len()
		return continuation
	}
	b.diverged = true
	log.Warn().
		Str("expected_prefix", clip(remaining, 48)).
		Str("got", clip(fragment, 48)).
		Msg("Replay diverged from emitted content; passing through")
	b.emitted.WriteString(fragment)
	return fragment
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// recoveryState holds the per-turn dedup buffers: one for content and one
// per tool-call index for arguments. It lives across all reconnects within
// a single logical stream.
type recoveryState struct {
	content  prefixBuffer
	thinking prefixBuffer
	toolArgs map[int]*prefixBuffer
	began    map[int]bool // tool indexes whose Begin already went downstream
	sawDone  bool
}

func newRecoveryState() *recoveryState {
	return &recoveryState{
		toolArgs: make(map[int]*prefixBuffer),
		began:    make(map[int]bool),
	}
}

func (s *recoveryState) args(index int) *prefixBuffer {
	b, ok := s.toolArgs[index]
	if !ok {
		b = &prefixBuffer{}
		s.toolArgs[index] = b
	}
	return b
}

// record notes a live event that was yielded downstream.
func (s *recoveryState) record(evt provider.StreamEvent) {
	switch evt.Type {
	case provider.EventContentDelta:
		s.content.record(evt.Content)
	case provider.EventThinkingDelta:
		s.thinking.record(evt.Content)
	case provider.EventToolCallBegin:
		s.began[evt.ToolCallIndex] = true
	case provider.EventToolCallDelta:
		s.args(evt.ToolCallIndex).record(evt.ToolCallArgs)
	case provider.EventDone:
		s.sawDone = true
	}
}

// beginReplay resets replay cursors ahead of re-yielding a reconnected stream.
func (s *recoveryState) beginReplay() {
	s.content.beginReplay()
	s.thinking.beginReplay()
	for _, b := range s.toolArgs {
		b.beginReplay()
	}
}

// trim deduplicates one replayed event. Returns the event to yield and
// whether to yield it at all. Dedup never reorders: whatever survives is
// yielded in arrival order.
func (s *recoveryState) trim(evt provider.StreamEvent) (provider.StreamEvent, bool) {
	switch evt.Type {
	case provider.EventContentDelta:
		out := s.content.trim(evt.Content)
		if out == "" {
			return evt, false
		}
		evt.Content = out
		return evt, true
	case provider.EventThinkingDelta:
		out := s.thinking.trim(evt.Content)
		if out == "" {
			return evt, false
		}
		evt.Content = out
		return evt, true
	case provider.EventToolCallBegin:
		if s.began[evt.ToolCallIndex] {
			return evt, false
		}
		s.began[evt.ToolCallIndex] = true
		return evt, true
	case provider.EventToolCallDelta:
		out := s.args(evt.ToolCallIndex).trim(evt.ToolCallArgs)
		if out == "" {
			return evt, false
		}
		evt.ToolCallArgs = out
		return evt, true
	case provider.EventFinish, provider.EventUsage:
		return evt, true
	case provider.EventDone:
		s.sawDone = true
		return evt, true
	default:
		return evt, true
	}
}
