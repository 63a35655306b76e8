package provider

import (
	"context"
	"sync"
)

// Mock is a scripted provider for tests. Each Stream call pops the next
// Script; the final script repeats once the list is exhausted.
type Mock struct {
	mu       sync.Mutex
	name     string
	scripts  []Script
	next     int
	noDuplex bool

	// Requests records every request seen, in order.
	Requests []Request
}

// Script describes one scripted stream.
type Script struct {
	// OpenErr fails the open before any event is emitted.
	OpenErr error
	// Events are emitted in order.
	Events []StreamEvent
	// FailAfter > 0 emits that many events then a mid-stream fault,
	// suppressing the rest of Events.
	FailAfter int
}

// NewMock creates a scripted provider.
func NewMock(name string, scripts ...Script) *Mock {
	return &Mock{name: name, scripts: scripts}
}

// WithoutDuplex makes Duplex() return nil.
func (m *Mock) WithoutDuplex() *Mock {
	m.noDuplex = true
	return m
}

// Push appends more scripts.
func (m *Mock) Push(scripts ...Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Unary() Transport { return &mockTransport{m: m, kind: KindUnary} }

func (m *Mock) Duplex() Transport {
	if m.noDuplex {
		return nil
	}
	return &mockTransport{m: m, kind: KindDuplex}
}

func (m *Mock) Close() error { return nil }

func (m *Mock) pop(req Request) Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.scripts) == 0 {
		return Script{Events: []StreamEvent{{Type: EventDone}}}
	}
	s := m.scripts[m.next]
	if m.next < len(m.scripts)-1 {
		m.next++
	}
	return s
}

type mockTransport struct {
	m    *Mock
	kind TransportKind
}

func (t *mockTransport) Kind() TransportKind { return t.kind }

func (t *mockTransport) Close() error { return nil }

func (t *mockTransport) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s := t.m.pop(req)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for i, evt := range s.Events {
			if s.FailAfter > 0 && i == s.FailAfter {
				break
			}
			if !trySend(ctx, ch, evt) {
				return
			}
		}
		if s.FailAfter > 0 {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: midError(t.kind, errMockFault)})
		}
	}()
	return ch, nil
}

var errMockFault = &mockFault{}

type mockFault struct{}

func (*mockFault) Error() string { return "scripted mid-stream fault" }

// TextScript builds a script that streams text fragments then finishes.
func TextScript(fragments ...string) Script {
	var events []StreamEvent
	for _, f := range fragments {
		events = append(events, StreamEvent{Type: EventContentDelta, Content: f})
	}
	events = append(events,
		StreamEvent{Type: EventFinish, FinishReason: "stop"},
		StreamEvent{Type: EventUsage, InputTokens: 10, OutputTokens: 5},
		StreamEvent{Type: EventDone},
	)
	return Script{Events: events}
}

// ToolScript builds a script that streams the given tool calls then finishes.
func ToolScript(calls ...ToolCall) Script {
	var events []StreamEvent
	for i, tc := range calls {
		events = append(events,
			StreamEvent{Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name},
			StreamEvent{Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)},
		)
	}
	events = append(events,
		StreamEvent{Type: EventFinish, FinishReason: "tool_calls"},
		StreamEvent{Type: EventUsage, InputTokens: 10, OutputTokens: 5},
		StreamEvent{Type: EventDone},
	)
	return Script{Events: events}
}
