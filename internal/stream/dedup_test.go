package stream

import (
	"testing"

	"github.com/optahq/opta/internal/provider"
)

func contentEvt(s string) provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventContentDelta, Content: s}
}

func TestPrefixBuffer_ReplayInsidePrefix(t *testing.T) {
	var b prefixBuffer
	b.record("Hello, ")
	b.record("world. ")
	b.beginReplay()

	if got := b.trim("Hello, "); got != "" {
		t.Fatalf("expected full consume, got %q", got)
	}
	if got := b.trim("world. "); got != "" {
		t.Fatalf("expected full consume, got %q", got)
	}
	if got := b.trim("The answer "); got != "The answer " {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestPrefixBuffer_SuffixContinuation(t *testing.T) {
	var b prefixBuffer
	b.record("Hello, ")
	b.record("world. ")
	b.beginReplay()

	// One recovered fragment spans the whole prefix plus new text.
	if got := b.trim("Hello, world. The answer "); got != "The answer " {
		t.Fatalf("expected continuation only, got %q", got)
	}
	if got := b.trim("is 42."); got != "is 42." {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if got := b.emitted.String(); got != "Hello, world. The answer is 42." {
		t.Fatalf("emitted = %q", got)
	}
}

func TestPrefixBuffer_Divergence(t *testing.T) {
	var b prefixBuffer
	b.record("Hello, ")
	b.beginReplay()

	if got := b.trim("Goodbye"); got != "Goodbye" {
		t.Fatalf("diverged fragment should pass through, got %q", got)
	}
	if !b.diverged {
		t.Fatal("expected diverged flag")
	}
}

// Replay-from-zero property: for every truncation point, replaying the full
// stream yields exactly the bytes beyond the truncation point.
func TestRecoveryState_ReplayFromZero(t *testing.T) {
	fragments := []string{"Hello, ", "world. ", "The answer ", "is 42."}
	full := "Hello, world. The answer is 42."

	for cut := 1; cut < len(fragments); cut++ {
		state := newRecoveryState()
		emitted := ""
		for _, f := range fragments[:cut] {
			state.record(contentEvt(f))
			emitted += f
		}

		state.beginReplay()
		for _, f := range fragments {
			evt, keep := state.trim(contentEvt(f))
			if keep {
				emitted += evt.Content
			}
		}
		if emitted != full {
			t.Errorf("cut=%d: got %q, want %q", cut, emitted, full)
		}
	}
}

func TestRecoveryState_ToolArgsPerIndex(t *testing.T) {
	state := newRecoveryState()
	state.record(provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "a", ToolCallName: "read_file"})
	state.record(provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":`})

	state.beginReplay()

	if _, keep := state.trim(provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "a", ToolCallName: "read_file"}); keep {
		t.Fatal("duplicate begin should be dropped")
	}
	evt, keep := state.trim(provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":"src"}`})
	if !keep || evt.ToolCallArgs != `"src"}` {
		t.Fatalf("got keep=%v args=%q", keep, evt.ToolCallArgs)
	}
	// A second index is independent.
	if _, keep := state.trim(provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 1, ToolCallID: "b", ToolCallName: "list_dir"}); !keep {
		t.Fatal("new index begin should pass")
	}
}

func TestRecoveryState_EmptyChunksDropped(t *testing.T) {
	state := newRecoveryState()
	state.record(contentEvt("abc"))
	state.beginReplay()

	if _, keep := state.trim(contentEvt("abc")); keep {
		t.Fatal("fully-deduped content must be dropped")
	}
	if _, keep := state.trim(provider.StreamEvent{Type: provider.EventFinish, FinishReason: "stop"}); !keep {
		t.Fatal("finish reason must pass through")
	}
	if _, keep := state.trim(provider.StreamEvent{Type: provider.EventUsage, InputTokens: 1}); !keep {
		t.Fatal("usage must pass through")
	}
}
