package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/optahq/opta/internal/autonomy"
	"github.com/optahq/opta/internal/backoff"
	"github.com/optahq/opta/internal/browser"
	"github.com/optahq/opta/internal/conversation"
	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/stream"
	"github.com/optahq/opta/internal/tools"
)

func testLevel(n int) autonomy.Level {
	l := autonomy.ForLevel(n)
	l.MaxRuntime = time.Hour
	return l
}

func staticTool(result string) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		return result, nil
	}
}

func testRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(provider.Tool{Name: "list_dir"}, staticTool("main.go\nutil.go"))
	reg.Register(provider.Tool{Name: "read_file"}, staticTool("package main"))
	return reg
}

func testDeps(mock *provider.Mock, level autonomy.Level, reg *tools.Registry) Deps {
	perms := map[string]policy.Permission{}
	for _, name := range reg.Names() {
		perms[name] = policy.PermAllow
	}
	est := &conversation.Estimator{}
	return Deps{
		Pipeline:  stream.New(mock).WithBackoff(backoff.Policy{InitialMs: 1, MaxMs: 1, Factor: 1}, 2),
		Registry:  reg,
		Gate:      &policy.Gate{Engine: policy.NewEngine(nil), Perms: policy.NewPermissionMap(perms, nil)},
		Estimator: est,
		Compactor: conversation.NewCompactor(est, 1_000_000, 0.9),
		Level:     level,
		Model:     "opta-1",
	}
}

func toolCallIDs(msgs []provider.Message) (assistant []string, results []string) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && len(msgs[i].ToolCalls) > 0 {
			for _, tc := range msgs[i].ToolCalls {
				assistant = append(assistant, tc.ID)
			}
			for j := i + 1; j < len(msgs) && msgs[j].Role == "tool"; j++ {
				results = append(results, msgs[j].ToolCallID)
			}
			return
		}
	}
	return
}

// Happy path: one turn with two tool calls, then a plain completion.
func TestLoop_HappyPathTwoToolCalls(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.ToolScript(
			provider.ToolCall{ID: "call_1", Name: "list_dir", Arguments: json.RawMessage(`{"path":"src"}`)},
			provider.ToolCall{ID: "call_2", Name: "read_file", Arguments: json.RawMessage(`{"path":"src/main","offset":1,"limit":5}`)},
		),
		provider.TextScript("src contains main.go and util.go; printed the first 5 lines."),
	)

	res, err := Loop(context.Background(), "list src/ and print the first 5 lines of src/main",
		testDeps(mock, testLevel(2), testRegistry()), Options{})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ToolCallCount != 2 {
		t.Fatalf("toolCallCount = %d", res.ToolCallCount)
	}

	last := res.Messages[len(res.Messages)-1]
	if last.Role != "assistant" || len(last.ToolCalls) != 0 {
		t.Fatalf("last message = %+v", last)
	}

	// Invariant: tool-call ids on the assistant message match the appended
	// tool messages one-to-one, in order.
	calls, results := toolCallIDs(res.Messages)
	if len(calls) != 2 || len(results) != 2 {
		t.Fatalf("calls=%v results=%v", calls, results)
	}
	for i := range calls {
		if calls[i] != results[i] {
			t.Fatalf("order mismatch: %v vs %v", calls, results)
		}
	}
}

// Pseudo-markup correction: one automated retry, then terminal guidance.
func TestLoop_PseudoMarkupCorrection(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.TextScript("I will run it now: <execute_command>ls</execute_command>"),
		provider.TextScript("Again: <execute_command>ls -la</execute_command>"),
	)

	res, err := Loop(context.Background(), "list the directory",
		testDeps(mock, testLevel(2), testRegistry()), Options{})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if res.Status != StatusStopped {
		t.Fatalf("status = %s", res.Status)
	}

	var sawCorrection bool
	for _, m := range res.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "native tool call") {
			sawCorrection = true
		}
	}
	if !sawCorrection {
		t.Fatal("correction system message missing")
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, "tool calls") {
		t.Fatalf("guidance message = %+v", last)
	}
}

// Circuit breaker hard stop: execution halts after exactly HardStopAt
// completed tool calls and no further call is dispatched.
func TestLoop_CircuitBreakerHardStop(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.ToolScript(provider.ToolCall{ID: "c1", Name: "list_dir", Arguments: json.RawMessage(`{}`)}),
		provider.ToolScript(provider.ToolCall{ID: "c2", Name: "list_dir", Arguments: json.RawMessage(`{}`)}),
		provider.ToolScript(provider.ToolCall{ID: "c3", Name: "list_dir", Arguments: json.RawMessage(`{}`)}),
		provider.ToolScript(provider.ToolCall{ID: "c4", Name: "list_dir", Arguments: json.RawMessage(`{}`)}),
	)

	level := testLevel(2)
	level.WarnAt = 0
	level.PauseAt = 0
	level.HardStopAt = 3

	res, err := Loop(context.Background(), "loop forever",
		testDeps(mock, level, testRegistry()), Options{})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if res.Status != StatusHardStop {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ToolCallCount != 3 {
		t.Fatalf("toolCallCount = %d", res.ToolCallCount)
	}
}

// Forced final reassessment fires once at level >= 3, then the next
// tool-less turn completes.
func TestLoop_ForcedReassessmentOnce(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.TextScript("I believe the task is done."),
		provider.TextScript("Reassessed: everything checks out."),
	)

	res, err := Loop(context.Background(), "do the thing",
		testDeps(mock, testLevel(3), testRegistry()), Options{})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}

	var assistants, reassessCheckpoints int
	for _, m := range res.Messages {
		if m.Role == "assistant" {
			assistants++
		}
		if m.Role == "system" && strings.Contains(m.Content, "phase 7/7: reassessment") {
			reassessCheckpoints++
		}
	}
	if assistants != 2 {
		t.Fatalf("assistants = %d, want 2 (one forced extra turn)", assistants)
	}
	if reassessCheckpoints != 1 {
		t.Fatalf("reassessment checkpoints = %d", reassessCheckpoints)
	}
	if len(mock.Requests) != 2 {
		t.Fatalf("model calls = %d", len(mock.Requests))
	}
}

// Browser auto-spawn with approval: the prompt names browser_open with the
// trigger tool, and the executed args carry the injected session id plus
// the approval flag.
func TestLoop_BrowserAutoSpawnWithApproval(t *testing.T) {
	rt := &fakeDriver{}
	co := browser.NewCoordinator(rt, browser.Config{Mode: browser.ModeIsolated}, nil)

	var executedArgs json.RawMessage
	reg := tools.NewRegistry()
	reg.Register(provider.Tool{Name: "browser_navigate"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		executedArgs = args
		return "navigated", nil
	})

	mock := provider.NewMock("mock",
		provider.ToolScript(provider.ToolCall{ID: "c1", Name: "browser_navigate",
			Arguments: json.RawMessage(`{"url":"https://example.com"}`)}),
		provider.TextScript("opened the page"),
	)

	var promptedTool string
	var promptedArgs json.RawMessage
	deps := testDeps(mock, testLevel(2), reg)
	deps.Coordinator = co
	deps.Gate.Browser = co
	deps.Gate.OnApproval = func(tool string, args json.RawMessage) policy.Approval {
		promptedTool = tool
		promptedArgs = args
		return policy.ApproveOnce
	}

	res, err := Loop(context.Background(), "open example.com", deps, Options{})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}

	if promptedTool != "browser_open" {
		t.Fatalf("prompted tool = %q", promptedTool)
	}
	var prompt map[string]any
	if err := json.Unmarshal(promptedArgs, &prompt); err != nil {
		t.Fatalf("prompt args: %v", err)
	}
	if prompt["trigger_tool"] != "browser_navigate" {
		t.Fatalf("prompt = %v", prompt)
	}

	var args map[string]any
	if err := json.Unmarshal(executedArgs, &args); err != nil {
		t.Fatalf("executed args: %v", err)
	}
	if args["session_id"] != "bsess-1" || args["__browser_approved"] != true {
		t.Fatalf("executed args = %v", args)
	}

	// The assistant record carries the rewritten args, not the original.
	calls, _ := toolCallIDs(res.Messages)
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
	for _, m := range res.Messages {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			if !strings.Contains(string(m.ToolCalls[0].Arguments), "__browser_approved") {
				t.Fatalf("assistant record args = %s", m.ToolCalls[0].Arguments)
			}
		}
	}
}

type fakeDriver struct{ sessions []browser.Session }

func (f *fakeDriver) List(ctx context.Context) ([]browser.Session, error) { return f.sessions, nil }
func (f *fakeDriver) Open(ctx context.Context, mode browser.Mode, endpoint string) (browser.Session, error) {
	s := browser.Session{ID: "bsess-1", Mode: mode, Open: true}
	f.sessions = append(f.sessions, s)
	return s, nil
}
func (f *fakeDriver) CloseSession(ctx context.Context, id string) error { return nil }
func (f *fakeDriver) Close() error                                      { return nil }

// Cancellation propagates immediately without a wrapped status.
func TestLoop_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := provider.NewMock("mock", provider.TextScript("never"))
	_, err := Loop(ctx, "task", testDeps(mock, testLevel(2), testRegistry()), Options{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if kind, _, _ := Categorize(err); kind != KindCancelled {
		t.Fatalf("kind = %v (%v)", kind, err)
	}
}
