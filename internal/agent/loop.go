package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/autonomy"
	"github.com/optahq/opta/internal/browser"
	"github.com/optahq/opta/internal/checkpoint"
	"github.com/optahq/opta/internal/conversation"
	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/store"
	"github.com/optahq/opta/internal/stream"
	"github.com/optahq/opta/internal/supervisor"
	"github.com/optahq/opta/internal/tools"
)

// snapshotEvery is the tool-call interval for crash-recovery snapshots.
const snapshotEvery = 10

// Deps are the collaborators one agent invocation runs against.
type Deps struct {
	Pipeline    *stream.Pipeline
	Registry    *tools.Registry
	Gate        *policy.Gate
	Coordinator *browser.Coordinator // nil when browser tools are absent
	Estimator   *conversation.Estimator
	Compactor   *conversation.Compactor
	Supervisor  *supervisor.Atpo    // nil disables
	Checkpoints *checkpoint.Manager // nil disables per-edit checkpoints
	Store       *store.Store        // nil disables persistence
	Settings    policy.PermStore    // nil disables telemetry

	Level       autonomy.Level
	Model       string
	Temperature *float64
	ToolTimeout time.Duration

	// SystemPrompt is the fully built prompt (manifest included).
	SystemPrompt string
	MaskKeep     int
}

// Loop runs the agent until completion, a terminal status, or a terminal
// error. The conversation is mutated only here, between streaming turns.
func Loop(ctx context.Context, task string, deps Deps, opts Options) (*Result, error) {
	conv, err := seedConversation(task, deps, opts)
	if err != nil {
		return nil, err
	}

	// The caller may supply approval through the callback set instead of
	// configuring the gate directly; sub-agent invocations never prompt.
	if deps.Gate.OnApproval == nil && opts.Callbacks.OnPermissionRequest != nil {
		gate := *deps.Gate
		gate.OnApproval = opts.Callbacks.OnPermissionRequest
		deps.Gate = &gate
	}
	if opts.SubAgent && !deps.Gate.SubAgent {
		gate := *deps.Gate
		gate.SubAgent = true
		gate.OnApproval = nil
		deps.Gate = &gate
	}

	breaker := autonomy.NewBreaker(deps.Level)
	stages := autonomy.NewStageTracker()
	dispatcher := &tools.Dispatcher{
		Registry:    deps.Registry,
		MaxParallel: deps.Level.MaxParallelTools,
		PerToolTime: deps.ToolTimeout,
		Checkpoint:  editCheckpointer(deps, opts),
		Capture:     captureFunc(opts),
		Events: tools.Events{
			OnToolStart: opts.Callbacks.OnToolStart,
			OnToolEnd:   opts.Callbacks.OnToolEnd,
		},
	}

	run := &runState{
		deps:       deps,
		opts:       opts,
		conv:       conv,
		breaker:    breaker,
		stages:     stages,
		dispatcher: dispatcher,
	}

	res, err := run.loop(ctx)
	if err != nil {
		run.cleanup(ctx, false)
		return nil, err
	}
	run.cleanup(ctx, res.Status == StatusCompleted)
	return res, nil
}

// runState carries the per-invocation mutable state.
type runState struct {
	deps       Deps
	opts       Options
	conv       *conversation.Conv
	breaker    *autonomy.Breaker
	stages     *autonomy.StageTracker
	dispatcher *tools.Dispatcher

	toolCallCount   int
	lastSnapshot    int
	lastThinking    string
	protocolRetried bool
	reassessFired   bool
	turns           int
	recent          []recentCall
}

// recentCall tracks the trailing tool calls for repeat detection.
type recentCall struct {
	name string
	args string
}

func seedConversation(task string, deps Deps, opts Options) (*conversation.Conv, error) {
	var conv *conversation.Conv
	if len(opts.Prior) > 0 {
		var err error
		conv, err = conversation.FromMessages(opts.Prior)
		if err != nil {
			return nil, err
		}
		conv.SetSystem(deps.SystemPrompt)
	} else {
		conv = conversation.New(deps.SystemPrompt)
	}

	msg := provider.Message{Role: "user", Content: task}
	if len(opts.Images) > 0 {
		parts := []provider.ContentPart{{Type: "text", Text: task}}
		for _, ref := range opts.Images {
			parts = append(parts, provider.ContentPart{Type: "image", ImageRef: ref})
		}
		msg = provider.Message{Role: "user", Parts: parts}
	}
	conv.Append(msg)
	return conv, nil
}

func (r *runState) loop(ctx context.Context) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.opts.MaxTurns > 0 && r.turns >= r.opts.MaxTurns {
			return r.finish(StatusCompleted), nil
		}

		// Supervisor first: a pending correction preempts the turn.
		if r.deps.Supervisor != nil {
			if correction, ok := r.deps.Supervisor.MaybeIntervene(ctx, r.conv.Messages()); ok {
				r.conv.Append(provider.Message{Role: "user", Content: correction})
				r.notifyAtpo()
				continue
			}
		}

		if r.breaker.OverDeadline() {
			log.Warn().Msg("Runtime budget reached")
			return r.finish(StatusRuntimeBudget), nil
		}

		r.prepareContext(ctx)

		if r.deps.Level.N > 1 {
			cp := r.stages.Next()
			r.conv.Append(provider.Message{Role: "system", Content: cp.Message()})
		}
		if r.deps.Coordinator != nil {
			r.deps.Coordinator.BeginTurn()
		}

		result, err := r.streamTurn(ctx)
		if err != nil {
			return nil, err
		}
		r.turns++

		if result.FinishReason == "length" {
			log.Warn().Str("model", r.deps.Model).Msg("Response truncated at max tokens; continuing")
		}
		if result.Thinking != "" {
			r.lastThinking = result.Thinking
		}
		if result.InputTokens > 0 || result.OutputTokens > 0 {
			if cb := r.opts.Callbacks.OnUsage; cb != nil {
				cb(result.InputTokens, result.OutputTokens)
			}
		}

		if len(result.ToolCalls) == 0 {
			status, done := r.handleTextTurn(result)
			if !done {
				continue
			}
			return r.finish(status), nil
		}

		status, done, err := r.handleToolTurn(ctx, result)
		if err != nil {
			return nil, err
		}
		if done {
			return r.finish(status), nil
		}
	}
}

// prepareContext masks old observations and compacts when over threshold.
// Compaction failure is logged and non-fatal.
func (r *runState) prepareContext(ctx context.Context) {
	keep := r.deps.MaskKeep
	if keep <= 0 {
		keep = 4
	}
	r.conv.MaskOldObservations(keep)
	if r.deps.Compactor == nil || !r.deps.Compactor.ShouldCompact(r.conv) {
		return
	}
	if err := r.deps.Compactor.Compact(ctx, r.conv, r.summarize); err != nil {
		log.Warn().Err(err).Msg("Compaction failed; conversation unchanged")
	}
}

// streamTurn opens one recoverable stream and collects it.
func (r *runState) streamTurn(ctx context.Context) (*stream.Result, error) {
	req := provider.Request{
		Model:       r.deps.Model,
		Messages:    r.conv.Messages(),
		Tools:       r.deps.Registry.Definitions(),
		ToolChoice:  "auto",
		Temperature: r.deps.Temperature,
	}

	events, err := r.deps.Pipeline.Run(ctx, req, r.opts.Callbacks.OnConnectionStatus)
	if err != nil {
		return nil, err
	}

	cbs := stream.Callbacks{}
	if !r.opts.Silent {
		cbs.OnToken = r.opts.Callbacks.OnToken
		cbs.OnThinking = r.opts.Callbacks.OnThinking
	}
	return stream.Collect(events, cbs)
}

// handleTextTurn processes a turn with no tool calls. Returns the status
// and whether the run is done.
func (r *runState) handleTextTurn(result *stream.Result) (Status, bool) {
	if name, found := DetectPseudoMarkup(result.VisibleText, r.deps.Registry.Names()); found {
		r.recordProtocolFailure(name)
		r.appendAssistantText(result)
		if !r.protocolRetried {
			r.protocolRetried = true
			r.conv.Append(provider.Message{Role: "system", Content: protocolCorrection(name)})
			return "", false
		}
		r.conv.Append(provider.Message{Role: "assistant", Content: protocolGuidance})
		return StatusStopped, true
	}

	r.appendAssistantText(result)

	// Forced final reassessment: at level >= 3, do not accept the first
	// tool-less reply; inject the reassessment stage and go one more turn.
	if r.deps.Level.Reassessment && r.deps.Level.N >= 3 && !r.reassessFired {
		r.reassessFired = true
		r.stages.ForceReassessment()
		log.Info().Msg("Forcing final reassessment pass")
		return "", false
	}
	return StatusCompleted, true
}

func (r *runState) appendAssistantText(result *stream.Result) {
	r.conv.Append(provider.Message{
		Role:         "assistant",
		Content:      result.VisibleText,
		Thinking:     result.Thinking,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	})
}

// handleToolTurn gates, executes, and records one batch of tool calls.
func (r *runState) handleToolTurn(ctx context.Context, result *stream.Result) (Status, bool, error) {
	decisions := make([]policy.Decision, 0, len(result.ToolCalls))
	remaining := r.breaker.Remaining()
	for _, call := range result.ToolCalls {
		if remaining == 0 {
			decisions = append(decisions, policy.Decision{
				Call: call, Reason: "circuit breaker: tool-call budget exhausted",
			})
			continue
		}
		d := r.deps.Gate.Resolve(ctx, call)
		if d.Approved {
			remaining--
		}
		r.notifyBrowser(d)
		decisions = append(decisions, d)
	}

	// The assistant record carries the finalized argument strings, so a
	// later resume sees the same args the tools saw.
	finalCalls := make([]provider.ToolCall, len(decisions))
	for i, d := range decisions {
		finalCalls[i] = d.Call
	}
	r.conv.Append(provider.Message{
		Role:         "assistant",
		Content:      result.VisibleText,
		Thinking:     result.Thinking,
		ToolCalls:    finalCalls,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	})

	msgs, err := r.dispatcher.Execute(ctx, decisions)
	if err != nil {
		return "", false, err
	}
	executed := 0
	for _, d := range decisions {
		if d.Approved {
			executed++
		}
	}
	for _, m := range msgs {
		r.conv.Append(m)
	}

	r.dampRepeats(decisions)

	r.toolCallCount += executed
	r.breaker.Record(executed)
	if r.deps.Supervisor != nil {
		r.deps.Supervisor.RecordResults(msgs)
		r.notifyAtpo()
	}
	r.maybeSnapshot()

	switch r.breaker.Check() {
	case autonomy.BreakerStop:
		return StatusHardStop, true, nil
	case autonomy.BreakerPause:
		if cont := r.resolvePause(); !cont {
			return StatusPaused, true, nil
		}
	case autonomy.BreakerWarn:
		r.conv.Append(provider.Message{Role: "system", Content: fmt.Sprintf(
			"[budget note] %d tool calls used; hard stop at %d. Consolidate and converge.",
			r.breaker.Count(), r.breaker.HardStopAt)})
	}
	return "", false, nil
}

// dampRepeats appends a warning to the last tool result when the model has
// issued the identical call three times running.
func (r *runState) dampRepeats(decisions []policy.Decision) {
	for _, d := range decisions {
		r.recent = append(r.recent, recentCall{name: d.Call.Name, args: string(d.Call.Arguments)})
	}
	if len(r.recent) > 6 {
		r.recent = r.recent[len(r.recent)-6:]
	}
	if len(r.recent) < 3 {
		return
	}
	last3 := r.recent[len(r.recent)-3:]
	if last3[0] != last3[1] || last3[1] != last3[2] {
		return
	}
	if last := r.conv.Last(); last != nil && last.Role == "tool" {
		last.Content += "\n\n[note] You have repeated the same tool call with the same " +
			"arguments three times. Change approach, summarize what you know, or ask for help."
	}
}

// resolvePause asks the user to continue; non-interactive sessions either
// continue headlessly (level >= 4 with headless-continue) or pause.
func (r *runState) resolvePause() bool {
	if cb := r.opts.Callbacks.OnPauseContinue; cb != nil {
		return cb(r.breaker.Count())
	}
	if r.deps.Level.N >= 4 && r.headlessContinue() {
		log.Info().Msg("Pause threshold reached; continuing headlessly")
		return true
	}
	return false
}

func (r *runState) headlessContinue() bool {
	if r.deps.Settings == nil {
		return false
	}
	v, _ := r.deps.Settings.Get("autonomy.headless_continue")
	return v == "true"
}

// maybeSnapshot writes a crash-recovery snapshot every snapshotEvery tool
// calls.
func (r *runState) maybeSnapshot() {
	if r.deps.Store == nil || r.opts.SessionID == "" {
		return
	}
	if r.toolCallCount/snapshotEvery == r.lastSnapshot/snapshotEvery {
		return
	}
	r.lastSnapshot = r.toolCallCount
	if err := r.deps.Store.SaveSnapshot(r.opts.SessionID, r.conv.Messages()); err != nil {
		log.Warn().Err(err).Msg("Recovery snapshot failed")
	}
}

// recordProtocolFailure bumps the per-model telemetry counter that feeds
// the compatibility warning block.
func (r *runState) recordProtocolFailure(markup string) {
	log.Warn().Str("model", r.deps.Model).Str("markup", markup).Msg("Pseudo tool markup detected")
	if r.deps.Settings == nil {
		return
	}
	key := "telemetry.pseudo_markup." + r.deps.Model
	count := 0
	if v, ok := r.deps.Settings.Get(key); ok {
		count, _ = strconv.Atoi(v)
	}
	if err := r.deps.Settings.Set(key, strconv.Itoa(count+1)); err != nil {
		log.Debug().Err(err).Msg("Telemetry write failed")
	}
}

// summarize backs the compactor with a bounded model call over the unary
// path.
func (r *runState) summarize(ctx context.Context, middle []provider.Message, maxTokens int) (string, error) {
	msgs := []provider.Message{{
		Role: "system",
		Content: "Summarize the following conversation slice for context " +
			"compression. Keep decisions, file paths, command outcomes, and " +
			"open questions. Plain prose, no preamble.",
	}}
	msgs = append(msgs, middle...)

	events, err := r.deps.Pipeline.Run(ctx, provider.Request{
		Model:     r.deps.Model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	}, nil)
	if err != nil {
		return "", err
	}
	res, err := stream.Collect(events, stream.Callbacks{})
	if err != nil {
		return "", err
	}
	return res.VisibleText, nil
}

func (r *runState) notifyAtpo() {
	if cb := r.opts.Callbacks.OnAtpoState; cb != nil && r.deps.Supervisor != nil {
		cb(r.deps.Supervisor.State())
	}
}

func (r *runState) notifyBrowser(d policy.Decision) {
	cb := r.opts.Callbacks.OnBrowserEvent
	if cb == nil || !policy.IsBrowserTool(d.Call.Name) {
		return
	}
	cb(d.Call.Name, "", d.Approved)
}

// finish assembles the result.
func (r *runState) finish(status Status) *Result {
	return &Result{
		Messages:      r.conv.Messages(),
		ToolCallCount: r.toolCallCount,
		Status:        status,
		Thinking:      r.lastThinking,
	}
}

// cleanup persists the session and clears the recovery snapshot after a
// clean completion.
func (r *runState) cleanup(ctx context.Context, clean bool) {
	if r.deps.Store == nil || r.opts.SessionID == "" {
		return
	}
	if err := r.deps.Store.SaveMessages(r.opts.SessionID, r.conv.Messages()); err != nil {
		log.Warn().Err(err).Msg("Session persist failed")
	}
	if clean {
		if err := r.deps.Store.DeleteSnapshot(r.opts.SessionID); err != nil {
			log.Debug().Err(err).Msg("Snapshot delete failed")
		}
	}
}

// editCheckpointer wires the checkpoint manager unless disabled or
// sub-agent.
func editCheckpointer(deps Deps, opts Options) tools.Checkpointer {
	if deps.Checkpoints == nil || opts.SubAgent {
		return nil
	}
	return deps.Checkpoints
}

func captureFunc(opts Options) tools.CaptureFunc {
	if opts.Callbacks.OnInsight == nil {
		return nil
	}
	return func(ev tools.CaptureEvent) { opts.Callbacks.OnInsight(ev) }
}
