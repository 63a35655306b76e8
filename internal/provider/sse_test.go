package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func collectSSE(t *testing.T, body string) []StreamEvent {
	t.Helper()
	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		parseChatSSE(context.Background(), strings.NewReader(body), ch)
	}()
	var events []StreamEvent
	for evt := range ch {
		events = append(events, evt)
	}
	return events
}

func TestParseChatSSE_FullTurn(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"list_dir"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"src\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectSSE(t, body)

	var content string
	var begins, deltas int
	var finish string
	var usageIn, usageOut int
	sawDone := false
	for _, evt := range events {
		switch evt.Type {
		case EventContentDelta:
			content += evt.Content
		case EventToolCallBegin:
			begins++
			if evt.ToolCallID != "c1" || evt.ToolCallName != "list_dir" {
				t.Fatalf("begin = %+v", evt)
			}
		case EventToolCallDelta:
			deltas++
		case EventFinish:
			finish = evt.FinishReason
		case EventUsage:
			usageIn, usageOut = evt.InputTokens, evt.OutputTokens
		case EventDone:
			sawDone = true
		case EventError:
			t.Fatalf("unexpected error: %v", evt.Err)
		}
	}

	if content != "Hello" || begins != 1 || deltas != 1 {
		t.Fatalf("content=%q begins=%d deltas=%d", content, begins, deltas)
	}
	if finish != "tool_calls" || usageIn != 12 || usageOut != 7 || !sawDone {
		t.Fatalf("finish=%q usage=%d/%d done=%v", finish, usageIn, usageOut, sawDone)
	}
}

func TestParseChatSSE_ThinkingDeltas(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"hmm\"}}]}\n\ndata: [DONE]\n"
	events := collectSSE(t, body)
	if len(events) == 0 || events[0].Type != EventThinkingDelta || events[0].Content != "hmm" {
		t.Fatalf("events = %+v", events)
	}
}

func TestIsRetryableOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", openError(KindUnary, 0, errors.New("dial tcp 127.0.0.1:80: connection refused")), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"premature", openError(KindDuplex, 0, errors.New("premature close")), true},
		{"handshake", openError(KindDuplex, 0, errors.New("duplex handshake: bad status")), true},
		{"http 503", openError(KindUnary, 503, errors.New("stream request status 503")), true},
		{"http 401", openError(KindUnary, 401, errors.New("stream request status 401")), false},
		{"cancelled", context.Canceled, false},
		{"mid fault", midError(KindUnary, errors.New("connection reset")), false},
		{"plain", errors.New("invalid request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableOpen(tt.err); got != tt.want {
				t.Errorf("IsRetryableOpen(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	if err := (&Request{}).Validate(); err == nil {
		t.Fatal("empty request must fail")
	}
	if err := (&Request{Model: "m"}).Validate(); err == nil {
		t.Fatal("empty messages must fail")
	}
	req := &Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}
