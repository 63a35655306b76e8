// Package policy decides whether proposed tool invocations run: a
// declarative engine, a per-tool permission map, interactive approval, and
// the browser coordination pass compose into one gate.
package policy

import (
	"path"
	"strings"
)

// Verdict is a policy engine outcome.
type Verdict int

const (
	// VerdictAllow lets the call proceed subject to permissions.
	VerdictAllow Verdict = iota
	// VerdictGate forces interactive approval even when the per-tool
	// permission is allow.
	VerdictGate
	// VerdictDeny blocks the call unconditionally.
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictGate:
		return "gate"
	case VerdictDeny:
		return "deny"
	default:
		return "allow"
	}
}

// Input describes one proposed action for the engine.
type Input struct {
	// Action is the tool name.
	Action string
	// Autonomous is true unless the session runs in dangerous mode.
	Autonomous bool
	// Actor is "agent" or "sub-agent".
	Actor string
}

// Rule is one declarative policy entry. Pattern matches the action with
// path.Match semantics ("browser_*"). Nil fields match anything.
type Rule struct {
	Pattern    string
	Autonomous *bool  // match only this autonomy state
	Actor      string // "" matches any actor
	Effect     Verdict
	Reason     string
}

// Engine evaluates rules in order; the first match wins.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the given rules.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// DefaultRules gate the irreversible surfaces when running autonomously.
func DefaultRules() []Rule {
	autonomous := true
	return []Rule{
		{Pattern: "browser_open", Effect: VerdictGate, Reason: "browser sessions require approval"},
		{Pattern: "run_command", Autonomous: &autonomous, Effect: VerdictGate, Reason: "shell commands are gated in autonomous runs"},
		{Pattern: "delegate", Actor: "sub-agent", Effect: VerdictDeny, Reason: "sub-agents cannot delegate further"},
	}
}

// Evaluate returns the verdict and a human-readable reason.
func (e *Engine) Evaluate(in Input) (Verdict, string) {
	for _, r := range e.rules {
		if !matchPattern(r.Pattern, in.Action) {
			continue
		}
		if r.Autonomous != nil && *r.Autonomous != in.Autonomous {
			continue
		}
		if r.Actor != "" && r.Actor != in.Actor {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = "matched policy rule " + r.Pattern
		}
		return r.Effect, reason
	}
	return VerdictAllow, ""
}

func matchPattern(pattern, action string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == action
	}
	ok, err := path.Match(pattern, action)
	return err == nil && ok
}
