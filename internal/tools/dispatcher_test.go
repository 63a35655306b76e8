package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/shell"
)

func slowTool(delay time.Duration, result string, fail error) Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if fail != nil {
			return "", fail
		}
		return result, nil
	}
}

func approved(id, name string) policy.Decision {
	return policy.Decision{
		Call:     provider.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)},
		Approved: true,
	}
}

func TestDispatcher_OrderedResultsDespiteCompletionOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.Tool{Name: "slow"}, slowTool(50*time.Millisecond, "slow done", nil))
	reg.Register(provider.Tool{Name: "fast"}, slowTool(0, "fast done", nil))

	var mu sync.Mutex
	var starts, ends []string
	d := &Dispatcher{
		Registry:    reg,
		MaxParallel: 2,
		Events: Events{
			OnToolStart: func(name, id string, args json.RawMessage) {
				mu.Lock()
				starts = append(starts, id)
				mu.Unlock()
			},
			OnToolEnd: func(name, id, result string) {
				mu.Lock()
				ends = append(ends, id)
				mu.Unlock()
			},
		},
	}

	msgs, err := d.Execute(context.Background(), []policy.Decision{
		approved("c1", "slow"),
		approved("c2", "fast"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Results in original order even though fast finished first.
	if msgs[0].ToolCallID != "c1" || msgs[0].Content != "slow done" {
		t.Fatalf("msg 0 = %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Content != "fast done" {
		t.Fatalf("msg 1 = %+v", msgs[1])
	}

	// Start and end counts equal the approved count; starts follow the
	// original order.
	if len(starts) != 2 || len(ends) != 2 {
		t.Fatalf("starts=%v ends=%v", starts, ends)
	}
	if starts[0] != "c1" || starts[1] != "c2" {
		t.Fatalf("start order = %v", starts)
	}
}

func TestDispatcher_StartsEmitBeforeExecution(t *testing.T) {
	reg := NewRegistry()
	startsSeen := atomic.Int32{}
	reg.Register(provider.Tool{Name: "check"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		if startsSeen.Load() != 3 {
			return "", errors.New("execution began before all start events")
		}
		return "ok", nil
	})

	d := &Dispatcher{
		Registry:    reg,
		MaxParallel: 3,
		Events: Events{
			OnToolStart: func(name, id string, args json.RawMessage) { startsSeen.Add(1) },
		},
	}
	msgs, err := d.Execute(context.Background(), []policy.Decision{
		approved("c1", "check"), approved("c2", "check"), approved("c3", "check"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, m := range msgs {
		if m.Content != "ok" {
			t.Fatalf("tool saw starts out of order: %s", m.Content)
		}
	}
}

func TestDispatcher_DeniedDecisionsGetReasonMessages(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.Tool{Name: "noop"}, slowTool(0, "ran", nil))

	d := &Dispatcher{Registry: reg, MaxParallel: 1}
	msgs, err := d.Execute(context.Background(), []policy.Decision{
		{Call: provider.ToolCall{ID: "c1", Name: "noop"}, Approved: false, Reason: "denied by user"},
		approved("c2", "noop"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msgs[0].Content != "Denied: denied by user" || msgs[0].ToolCallID != "c1" {
		t.Fatalf("msg 0 = %+v", msgs[0])
	}
	if msgs[1].Content != "ran" {
		t.Fatalf("msg 1 = %+v", msgs[1])
	}
}

func TestDispatcher_ErrorsBecomeErrorContent(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.Tool{Name: "boom"}, slowTool(0, "", errors.New("kaput")))

	d := &Dispatcher{Registry: reg, MaxParallel: 1}
	msgs, err := d.Execute(context.Background(), []policy.Decision{approved("c1", "boom")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msgs[0].Content != "Error: kaput" {
		t.Fatalf("content = %q", msgs[0].Content)
	}
}

func TestDispatcher_BoundedParallelism(t *testing.T) {
	reg := NewRegistry()
	var inFlight, peak atomic.Int32
	reg.Register(provider.Tool{Name: "gauge"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	d := &Dispatcher{Registry: reg, MaxParallel: 2}
	var decisions []policy.Decision
	for i := 0; i < 6; i++ {
		decisions = append(decisions, approved(fmt.Sprintf("c%d", i), "gauge"))
	}
	if _, err := d.Execute(context.Background(), decisions); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak parallelism = %d, want <= 2", peak.Load())
	}
}

func TestDispatcher_CancellationAborts(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.Tool{Name: "hang"}, slowTool(time.Minute, "", nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := &Dispatcher{Registry: reg, MaxParallel: 1}
	start := time.Now()
	_, err := d.Execute(ctx, []policy.Decision{approved("c1", "hang"), approved("c2", "hang")})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not abort in-flight tools")
	}
}

// Two parallel run_command calls share one Shell; its lock must keep each
// command's cwd consistent from cd through pwd.
func TestDispatcher_ConcurrentShellCommands(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	sh := shell.New(root, nil)
	h := &RunCommandHandler{Shell: sh}

	reg := NewRegistry()
	reg.Register(NewRunCommandTool(), h.Handle)
	d := &Dispatcher{Registry: reg, MaxParallel: 2}

	decisions := []policy.Decision{
		{Call: provider.ToolCall{ID: "c1", Name: "run_command",
			Arguments: json.RawMessage(`{"command":"cd a && pwd"}`)}, Approved: true},
		{Call: provider.ToolCall{ID: "c2", Name: "run_command",
			Arguments: json.RawMessage(`{"command":"cd b && pwd"}`)}, Approved: true},
	}
	msgs, err := d.Execute(context.Background(), decisions)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := strings.TrimSpace(msgs[0].Content); got != filepath.Join(root, "a") {
		t.Errorf("c1 pwd = %q, want %q", got, filepath.Join(root, "a"))
	}
	if got := strings.TrimSpace(msgs[1].Content); got != filepath.Join(root, "b") {
		t.Errorf("c2 pwd = %q, want %q", got, filepath.Join(root, "b"))
	}
	if dir := sh.Dir(); dir != filepath.Join(root, "a") && dir != filepath.Join(root, "b") {
		t.Errorf("final dir = %q", dir)
	}
}

func TestDispatcher_SolutionCapture(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.Tool{Name: "run_command"}, slowTool(0, "ok\n", nil))

	captured := make(chan CaptureEvent, 1)
	d := &Dispatcher{
		Registry:    reg,
		MaxParallel: 1,
		Capture:     func(ev CaptureEvent) { captured <- ev },
	}
	dec := policy.Decision{
		Call: provider.ToolCall{ID: "c1", Name: "run_command",
			Arguments: json.RawMessage(`{"command":"go test ./..."}`)},
		Approved: true,
	}
	if _, err := d.Execute(context.Background(), []policy.Decision{dec}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case ev := <-captured:
		if ev.Kind != "solution" {
			t.Fatalf("kind = %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no capture event")
	}
}
