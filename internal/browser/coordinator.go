package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
)

// approvedFlag is stamped into arguments after the user approves a
// coordinated call, so the tool handler can tell gated from ungated runs.
const approvedFlag = "__browser_approved"

// Config drives session creation.
type Config struct {
	Mode Mode
	// Endpoint is the debug endpoint for ModeAttach.
	Endpoint string
	Risk     RiskConfig
}

// Coordinator implements policy.BrowserCoordinator over a Runtime.
type Coordinator struct {
	runtime Runtime
	cfg     Config
	risk    *Evaluator
	sink    AuditSink

	// Per-turn session snapshot.
	sessions []Session
	scanned  bool
}

// NewCoordinator creates a coordinator. sink may be nil to disable the
// audit log.
func NewCoordinator(runtime Runtime, cfg Config, sink AuditSink) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = ModeIsolated
	}
	return &Coordinator{
		runtime: runtime,
		cfg:     cfg,
		risk:    NewEvaluator(cfg.Risk),
		sink:    sink,
	}
}

// BeginTurn invalidates the per-turn session snapshot.
func (c *Coordinator) BeginTurn() { c.scanned = false }

// scan fetches the session snapshot once per turn.
func (c *Coordinator) scan(ctx context.Context) []Session {
	if c.scanned {
		return c.sessions
	}
	sessions, err := c.runtime.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Browser session scan failed")
		sessions = nil
	}
	open := sessions[:0]
	for _, s := range sessions {
		if s.Open {
			open = append(open, s)
		}
	}
	c.sessions = open
	c.scanned = true
	return c.sessions
}

// needsURLBackfill lists tools whose url field is backfilled from the
// session's current location when absent.
var needsURLBackfill = map[string]bool{
	"browser_click": true,
	"browser_type":  true,
}

// Coordinate inspects one browser tool call and decides how it reconciles
// with live sessions.
func (c *Coordinator) Coordinate(ctx context.Context, call provider.ToolCall) policy.BrowserOutcome {
	outcome := policy.BrowserOutcome{Handled: true}

	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args == nil {
		args = map[string]any{}
	}
	target, _ := args["url"].(string)

	// browser_open always routes to session creation and requires approval.
	if call.Name == "browser_open" {
		outcome.RequiresApproval = true
		outcome.Risk = string(RiskMedium)
		outcome.ApprovalTool = "browser_open"
		outcome.ApprovalArgs = mustJSON(map[string]any{
			"mode":   string(c.cfg.Mode),
			"reason": "agent requested a new browser session",
		})
		return c.applyRisk(call.Name, target, args, outcome)
	}

	sessions := c.scan(ctx)
	sessionID, _ := args["session_id"].(string)

	switch {
	case sessionID != "":
		// Explicit session: verify it is known; pass through otherwise.
		if s := findSession(sessions, sessionID); s != nil {
			c.backfillURL(call.Name, args, *s)
		}
		outcome.SessionID = sessionID

	case len(sessions) > 0:
		// Auto-inject the first open session and require approval.
		s := sessions[0]
		args["session_id"] = s.ID
		c.backfillURL(call.Name, args, s)
		outcome.SessionID = s.ID
		outcome.RequiresApproval = true

	default:
		// No session anywhere: spawn after approval.
		outcome.NeedsSpawn = true
		outcome.RequiresApproval = true
		outcome.ApprovalTool = "browser_open"
		outcome.ApprovalArgs = mustJSON(map[string]any{
			"mode":         string(c.cfg.Mode),
			"reason":       "no active browser session",
			"trigger_tool": call.Name,
		})
		if c.cfg.Mode == ModeAttach && c.cfg.Endpoint == "" {
			outcome.Denied = true
			outcome.Reason = "attach mode requires a configured browser endpoint"
			return outcome
		}
	}

	outcome.Args = mustJSON(args)
	return c.applyRisk(call.Name, target, args, outcome)
}

// applyRisk folds the risk evaluator into the outcome.
func (c *Coordinator) applyRisk(tool, target string, args map[string]any, outcome policy.BrowserOutcome) policy.BrowserOutcome {
	if target == "" {
		target, _ = args["url"].(string)
	}
	decision, level, reason := c.risk.Evaluate(tool, target)
	if outcome.Risk == "" || level == RiskHigh {
		outcome.Risk = string(level)
	}
	outcome.Target = hostOf(target)
	switch decision {
	case RiskDeny:
		outcome.Denied = true
		outcome.Reason = reason
	case RiskGate:
		outcome.RequiresApproval = true
	}
	return outcome
}

func (c *Coordinator) backfillURL(tool string, args map[string]any, s Session) {
	if !needsURLBackfill[tool] {
		return
	}
	if cur, _ := args["url"].(string); cur == "" && s.CurrentURL != "" {
		args["url"] = s.CurrentURL
	}
}

// Approve finalizes an approved call: spawns a session when needed,
// injects its id, and stamps the approval flag.
func (c *Coordinator) Approve(ctx context.Context, call provider.ToolCall, outcome policy.BrowserOutcome) (json.RawMessage, error) {
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args == nil {
		args = map[string]any{}
	}

	if outcome.NeedsSpawn {
		session, err := c.runtime.Open(ctx, c.cfg.Mode, c.cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("open %s session: %w", c.cfg.Mode, err)
		}
		log.Info().Str("session", session.ID).Str("mode", string(c.cfg.Mode)).Msg("Spawned browser session")
		c.sessions = append(c.sessions, session)
		args["session_id"] = session.ID
	}

	args[approvedFlag] = true
	return mustJSON(args), nil
}

// Record appends the decision to the approval event log. Append failures
// are logged, never propagated.
func (c *Coordinator) Record(outcome policy.BrowserOutcome, tool string, approved bool, reason string) {
	if c.sink == nil {
		return
	}
	ev := AuditEvent{
		ID:        uuid.NewString(),
		Tool:      tool,
		SessionID: outcome.SessionID,
		Risk:      outcome.Risk,
		Target:    outcome.Target,
		Approved:  approved,
		Reason:    reason,
		At:        time.Now(),
	}
	if err := c.sink.Append(ev); err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("Failed to append approval event")
	}
}

func findSession(sessions []Session, id string) *Session {
	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i]
		}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
