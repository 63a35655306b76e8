package stream

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/optahq/opta/internal/provider"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Callbacks receive incremental output during collection. Text is
// control-sequence sanitized before either callback fires, since both feed
// terminal sinks.
type Callbacks struct {
	OnToken    func(text string)
	OnThinking func(text string)
}

// Result is the assembled outcome of one streamed turn.
type Result struct {
	VisibleText  string
	Thinking     string
	ToolCalls    []provider.ToolCall
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// toolCallAccumulator tracks tool calls as they stream in, keyed by the
// position index carried on each delta.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, strings.Builder{})
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos].WriteString(evt.ToolCallArgs)
	}
}

// finalize seals the accumulators at stream end.
func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		a.calls[i].Arguments = json.RawMessage(a.argBuilders[i].String())
	}
	return a.calls
}

// thinkingSplitter separates hidden thinking spans, delimited by paired
// markers, from visible text. Markers may arrive split across deltas, so a
// partial-marker tail is held back until it resolves.
type thinkingSplitter struct {
	buf        string
	inThinking bool
	visible    func(string)
	thinking   func(string)
}

func (t *thinkingSplitter) feed(s string) {
	t.buf += s
	for {
		if t.inThinking {
			if idx := strings.Index(t.buf, thinkClose); idx >= 0 {
				t.thinking(t.buf[:idx])
				t.buf = t.buf[idx+len(thinkClose):]
				t.inThinking = false
				continue
			}
			hold := partialMarkerLen(t.buf, thinkClose)
			t.thinking(t.buf[:len(t.buf)-hold])
			t.buf = t.buf[len(t.buf)-hold:]
			return
		}
		if idx := strings.Index(t.buf, thinkOpen); idx >= 0 {
			t.visible(t.buf[:idx])
			t.buf = t.buf[idx+len(thinkOpen):]
			t.inThinking = true
			continue
		}
		hold := partialMarkerLen(t.buf, thinkOpen)
		t.visible(t.buf[:len(t.buf)-hold])
		t.buf = t.buf[len(t.buf)-hold:]
		return
	}
}

// flush drains any held text at stream end. An unterminated thinking span
// flushes as thinking.
func (t *thinkingSplitter) flush() {
	if t.buf == "" {
		return
	}
	if t.inThinking {
		t.thinking(t.buf)
	} else {
		t.visible(t.buf)
	}
	t.buf = ""
}

// partialMarkerLen returns the length of the longest proper marker prefix
// that the string ends with.
func partialMarkerLen(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}

// Collect consumes a normalized event channel and assembles the response.
// Visible text and thinking are forwarded incrementally through cb.
func Collect(events <-chan provider.StreamEvent, cb Callbacks) (*Result, error) {
	var result Result
	var visibleBuf, thinkingBuf strings.Builder
	tca := newToolCallAccumulator()

	splitter := &thinkingSplitter{
		visible: func(s string) {
			if s == "" {
				return
			}
			visibleBuf.WriteString(s)
			if cb.OnToken != nil {
				cb.OnToken(ansi.Strip(s))
			}
		},
		thinking: func(s string) {
			if s == "" {
				return
			}
			thinkingBuf.WriteString(s)
			if cb.OnThinking != nil {
				cb.OnThinking(ansi.Strip(s))
			}
		},
	}

	for evt := range events {
		switch evt.Type {
		case provider.EventContentDelta:
			splitter.feed(evt.Content)
		case provider.EventThinkingDelta:
			splitter.thinking(evt.Content)
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventFinish:
			result.FinishReason = evt.FinishReason
		case provider.EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case provider.EventError:
			return nil, evt.Err
		case provider.EventDone:
			// terminal; the channel closes right after
		}
	}

	splitter.flush()
	result.VisibleText = visibleBuf.String()
	result.Thinking = thinkingBuf.String()
	if calls := tca.finalize(); len(calls) > 0 {
		result.ToolCalls = calls
	}
	return &result, nil
}
