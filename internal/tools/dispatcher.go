package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
)

// Events are the dispatcher's lifecycle callbacks. They are invoked from
// the dispatcher's own goroutines but never concurrently with each other.
type Events struct {
	OnToolStart  func(name, id string, args json.RawMessage)
	OnToolEnd    func(name, id, result string)
	PostToolHook func(name string, args json.RawMessage, result string, err error)
}

// CaptureEvent is a learning capture: a notable failure or verified
// success, consumed by an external ledger.
type CaptureEvent struct {
	Kind   string // "problem" or "solution"
	Tool   string
	Detail string
	At     time.Time
}

// CaptureFunc receives capture events. Emission is fire-and-forget.
type CaptureFunc func(ev CaptureEvent)

// Checkpointer creates recovery checkpoints around file modifications.
type Checkpointer interface {
	CheckpointEdit(ctx context.Context, tool string, args json.RawMessage)
}

// fileModifyingTools get a recovery checkpoint per edit.
var fileModifyingTools = map[string]bool{
	"edit_file":  true,
	"write_file": true,
}

// Dispatcher executes approved decisions with bounded parallelism and
// ordered result reassembly.
type Dispatcher struct {
	Registry    *Registry
	MaxParallel int
	Events      Events
	Capture     CaptureFunc
	Checkpoint  Checkpointer // nil disables per-edit checkpoints
	PerToolTime time.Duration
}

// Execute runs every approved decision and returns one tool message per
// decision, in the original order. Denied decisions yield their reason as
// the tool result. On cancellation the in-flight tools are aborted and the
// ctx error is returned.
func (d *Dispatcher) Execute(ctx context.Context, decisions []policy.Decision) ([]provider.Message, error) {
	maxParallel := d.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	// Start events for every approved call, in original order, before any
	// execution begins.
	for _, dec := range decisions {
		if dec.Approved && d.Events.OnToolStart != nil {
			d.Events.OnToolStart(dec.Call.Name, dec.Call.ID, dec.Call.Arguments)
		}
	}

	results := make([]string, len(decisions))
	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	var cbMu sync.Mutex // serializes OnToolEnd / PostToolHook / capture dispatch

	for i, dec := range decisions {
		if !dec.Approved {
			results[i] = "Denied: " + dec.Reason
			continue
		}
		wg.Add(1)
		go func(i int, dec policy.Decision) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = "Error: " + err.Error()
				return
			}
			defer sem.Release(1)

			result, err := d.runOne(ctx, dec.Call)
			results[i] = result

			cbMu.Lock()
			defer cbMu.Unlock()
			if d.Events.OnToolEnd != nil {
				d.Events.OnToolEnd(dec.Call.Name, dec.Call.ID, result)
			}
			if d.Events.PostToolHook != nil {
				d.Events.PostToolHook(dec.Call.Name, dec.Call.Arguments, result, err)
			}
			d.capture(dec.Call, result, err)
		}(i, dec)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Per-edit recovery checkpoints, once everything settled.
	if d.Checkpoint != nil {
		for _, dec := range decisions {
			if dec.Approved && fileModifyingTools[dec.Call.Name] {
				d.Checkpoint.CheckpointEdit(ctx, dec.Call.Name, dec.Call.Arguments)
			}
		}
	}

	// Tool messages in original order, regardless of completion order.
	msgs := make([]provider.Message, len(decisions))
	for i, dec := range decisions {
		msgs[i] = provider.Message{
			Role:       "tool",
			Content:    results[i],
			ToolCallID: dec.Call.ID,
			CreatedAt:  time.Now(),
		}
	}
	return msgs, nil
}

// runOne executes a single call with the per-tool timeout.
func (d *Dispatcher) runOne(ctx context.Context, call provider.ToolCall) (string, error) {
	if d.PerToolTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.PerToolTime)
		defer cancel()
	}

	result, err := d.Registry.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		log.Warn().Str("tool", call.Name).Err(err).Msg("Tool execution failed")
		return fmt.Sprintf("Error: %v", err), err
	}
	return result, nil
}

// verificationPatterns mark shell commands whose clean exit is worth
// capturing as a solution.
var verificationPatterns = []string{"test", "build", "typecheck", "tsc", "lint", "vet", "check"}

// capture emits learning events without ever blocking the dispatcher.
func (d *Dispatcher) capture(call provider.ToolCall, result string, err error) {
	if d.Capture == nil {
		return
	}
	var ev *CaptureEvent
	switch {
	case err != nil:
		ev = &CaptureEvent{Kind: "problem", Tool: call.Name, Detail: result}
	case call.Name == "run_command" && isVerificationSuccess(call.Arguments, result):
		ev = &CaptureEvent{Kind: "solution", Tool: call.Name, Detail: commandOf(call.Arguments)}
	}
	if ev == nil {
		return
	}
	ev.At = time.Now()
	go d.Capture(*ev)
}

func commandOf(args json.RawMessage) string {
	var a struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &a)
	return a.Command
}

// isVerificationSuccess reports a verification-style command that exited 0.
func isVerificationSuccess(args json.RawMessage, result string) bool {
	cmd := commandOf(args)
	if cmd == "" {
		return false
	}
	matched := false
	for _, pat := range verificationPatterns {
		if containsWord(cmd, pat) {
			matched = true
			break
		}
	}
	return matched && !hasNonZeroExit(result)
}
