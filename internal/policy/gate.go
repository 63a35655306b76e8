package policy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// Approval is the user's answer to an interactive approval request.
type Approval int

const (
	// ApproveDeny rejects this call.
	ApproveDeny Approval = iota
	// ApproveOnce allows this call only.
	ApproveOnce
	// ApproveAlways allows this call and upgrades the tool's permission.
	ApproveAlways
)

// ApprovalFunc prompts the user. tool and args describe what will run;
// for browser spawns the prompt is for the spawn, not the original call.
type ApprovalFunc func(tool string, args json.RawMessage) Approval

// PreToolHook runs after approval, immediately before execution. Returning
// false cancels the call with the given reason.
type PreToolHook func(tool string, args json.RawMessage) (bool, string)

// BrowserOutcome is the browser coordinator's contribution to a decision.
type BrowserOutcome struct {
	// Handled is false when the call is not a browser tool.
	Handled bool
	Denied  bool
	Reason  string

	// Args is the rewritten argument string (session id injection, url
	// backfill, approval flag); nil means keep the original.
	Args json.RawMessage

	// RequiresApproval forces an interactive prompt.
	RequiresApproval bool
	// NeedsSpawn means no session exists yet; Approve opens one.
	NeedsSpawn bool
	// ApprovalTool and ApprovalArgs describe what the prompt should show
	// (e.g. browser_open with a trigger_tool field); empty means the call
	// itself.
	ApprovalTool string
	ApprovalArgs json.RawMessage

	// Audit context.
	SessionID string
	Risk      string
	Target    string
}

// BrowserCoordinator reconciles browser tool calls with live sessions and
// owns the approval event log.
type BrowserCoordinator interface {
	Coordinate(ctx context.Context, call provider.ToolCall) BrowserOutcome
	// Approve runs after the user approves a coordinated call: spawns a
	// session when needed, injects its id, and stamps the approval flag.
	// It returns the finalized argument string.
	Approve(ctx context.Context, call provider.ToolCall, outcome BrowserOutcome) (json.RawMessage, error)
	// Record appends the final decision to the approval event log.
	Record(outcome BrowserOutcome, tool string, approved bool, reason string)
}

// Decision is the gate's result for one tool call. Call.Arguments carries
// the finalized (possibly rewritten) argument string to execute and to
// store on the assistant record.
type Decision struct {
	Call     provider.ToolCall
	Approved bool
	Reason   string
}

// Gate resolves proposed tool calls through the multi-stage pipeline:
// shell guard, browser coordination, policy engine, permission map,
// interactive approval, pre-tool hook.
type Gate struct {
	Engine  *Engine
	Perms   *PermissionMap
	Browser BrowserCoordinator // nil disables browser coordination

	OnApproval  ApprovalFunc // nil means non-interactive
	PreToolHook PreToolHook  // optional

	// SubAgent actors cannot prompt: ask/gate resolve to deny.
	SubAgent bool
	// Dangerous mode turns the engine's autonomous flag off.
	Dangerous bool
}

func (g *Gate) actor() string {
	if g.SubAgent {
		return "sub-agent"
	}
	return "agent"
}

// IsBrowserTool reports whether a tool name has browser semantics.
func IsBrowserTool(name string) bool {
	return strings.HasPrefix(name, "browser_")
}

type runCommandArgs struct {
	Command string `json:"command"`
}

// Resolve produces the decision for one proposed call.
func (g *Gate) Resolve(ctx context.Context, call provider.ToolCall) Decision {
	// 1. Shell browser-automation guard: unconditional, ahead of everything.
	if call.Name == "run_command" {
		var args runCommandArgs
		if err := json.Unmarshal(call.Arguments, &args); err == nil && IsBrowserAutomation(args.Command) {
			return Decision{Call: call, Reason: GuardMessage}
		}
	}

	// 2. Browser coordination: may deny, rewrite args, or demand approval.
	var outcome BrowserOutcome
	if g.Browser != nil && IsBrowserTool(call.Name) {
		outcome = g.Browser.Coordinate(ctx, call)
		if outcome.Handled {
			if outcome.Denied {
				g.Browser.Record(outcome, call.Name, false, outcome.Reason)
				return Decision{Call: call, Reason: outcome.Reason}
			}
			if outcome.Args != nil {
				call.Arguments = outcome.Args
			}
		}
	}

	// 3. Policy engine.
	verdict, policyReason := g.Engine.Evaluate(Input{
		Action:     call.Name,
		Autonomous: !g.Dangerous,
		Actor:      g.actor(),
	})
	if verdict == VerdictDeny {
		return g.finish(outcome, call, false, "policy: "+policyReason)
	}

	// 4. Per-tool permission.
	perm := g.Perms.Resolve(call.Name)
	if perm == PermDeny {
		return g.finish(outcome, call, false, "permission denied for "+call.Name)
	}

	// 5. Interactive approval.
	needApproval := verdict == VerdictGate || perm == PermAsk || outcome.RequiresApproval
	if needApproval {
		if g.SubAgent {
			return g.finish(outcome, call, false, "approval required but unavailable to sub-agents")
		}
		if g.OnApproval == nil {
			return g.finish(outcome, call, false, "approval required but session is non-interactive")
		}

		promptTool, promptArgs := call.Name, call.Arguments
		if outcome.ApprovalTool != "" {
			promptTool, promptArgs = outcome.ApprovalTool, outcome.ApprovalArgs
		}
		switch g.OnApproval(promptTool, promptArgs) {
		case ApproveAlways:
			g.Perms.Upgrade(call.Name)
			log.Info().Str("tool", call.Name).Msg("Permission upgraded to allow")
		case ApproveOnce:
			// this call only
		default:
			return g.finish(outcome, call, false, "denied by user")
		}
		if outcome.Handled && g.Browser != nil {
			args, err := g.Browser.Approve(ctx, call, outcome)
			if err != nil {
				return g.finish(outcome, call, false, "browser session: "+err.Error())
			}
			call.Arguments = args
		}
	}

	// 6. Pre-tool hook.
	if g.PreToolHook != nil {
		if ok, reason := g.PreToolHook(call.Name, call.Arguments); !ok {
			if reason == "" {
				reason = "cancelled by pre-tool hook"
			}
			return g.finish(outcome, call, false, "hook: "+reason)
		}
	}

	return g.finish(outcome, call, true, "")
}

func (g *Gate) finish(outcome BrowserOutcome, call provider.ToolCall, approved bool, reason string) Decision {
	if outcome.Handled && g.Browser != nil {
		g.Browser.Record(outcome, call.Name, approved, reason)
	}
	return Decision{Call: call, Approved: approved, Reason: reason}
}
