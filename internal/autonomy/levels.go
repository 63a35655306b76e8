// Package autonomy fixes the safety envelope per autonomy level: budgets,
// parallelism, stage checkpoints, and the circuit breaker.
package autonomy

import (
	"time"
)

// Mode is the session's operating mode.
type Mode string

const (
	// ModeExecution is the default working mode.
	ModeExecution Mode = "execution"
	// ModeCEO trades parallelism for oversight and writes an executive
	// report at session end.
	ModeCEO Mode = "ceo"
)

// Level fixes the envelope for one autonomy level (1-5).
type Level struct {
	N           int
	DefaultMode Mode

	MaxRuntime time.Duration

	// Circuit breaker thresholds, in completed tool calls.
	WarnAt     int
	PauseAt    int
	HardStopAt int

	MaxParallelTools int
	CompactRatio     float64

	SubAgentDepth       int
	SubAgentConcurrency int
	SubAgentBudget      int // tool rounds per sub-agent

	// Defaults for the risky tools: true means allow without prompting.
	RunCommandAllowed bool
	DelegateAllowed   bool

	// Reassessment enables the forced final pass (§ forced reassessment).
	Reassessment bool

	// SustainedDirective adds the level-5 long-haul cycle instruction.
	SustainedDirective bool
}

var levels = map[int]Level{
	1: {
		N: 1, DefaultMode: ModeExecution,
		MaxRuntime: 10 * time.Minute,
		WarnAt:     10, PauseAt: 15, HardStopAt: 20,
		MaxParallelTools: 1, CompactRatio: 0.8,
		SubAgentDepth: 0, SubAgentConcurrency: 0, SubAgentBudget: 0,
	},
	2: {
		N: 2, DefaultMode: ModeExecution,
		MaxRuntime: 20 * time.Minute,
		WarnAt:     20, PauseAt: 30, HardStopAt: 40,
		MaxParallelTools: 2, CompactRatio: 0.8,
		SubAgentDepth: 1, SubAgentConcurrency: 1, SubAgentBudget: 5,
	},
	3: {
		N: 3, DefaultMode: ModeExecution,
		MaxRuntime: 30 * time.Minute,
		WarnAt:     40, PauseAt: 60, HardStopAt: 80,
		MaxParallelTools: 3, CompactRatio: 0.75,
		SubAgentDepth: 1, SubAgentConcurrency: 2, SubAgentBudget: 8,
		RunCommandAllowed: true,
		Reassessment:      true,
	},
	4: {
		N: 4, DefaultMode: ModeExecution,
		MaxRuntime: 45 * time.Minute,
		WarnAt:     80, PauseAt: 120, HardStopAt: 160,
		MaxParallelTools: 4, CompactRatio: 0.7,
		SubAgentDepth: 2, SubAgentConcurrency: 3, SubAgentBudget: 10,
		RunCommandAllowed: true, DelegateAllowed: true,
		Reassessment: true,
	},
	5: {
		N: 5, DefaultMode: ModeExecution,
		MaxRuntime: 60 * time.Minute,
		WarnAt:     150, PauseAt: 220, HardStopAt: 300,
		MaxParallelTools: 5, CompactRatio: 0.65,
		SubAgentDepth: 2, SubAgentConcurrency: 4, SubAgentBudget: 12,
		RunCommandAllowed: true, DelegateAllowed: true,
		Reassessment:       true,
		SustainedDirective: true,
	},
}

// ForLevel returns the envelope for n, clamped into 1..5.
func ForLevel(n int) Level {
	if n < 1 {
		n = 1
	}
	if n > 5 {
		n = 5
	}
	return levels[n]
}

// ApplyMode adjusts an envelope for the chosen mode. CEO mode drops
// parallelism by one and raises the warn threshold proportionally.
func ApplyMode(l Level, mode Mode) Level {
	if mode == "" {
		mode = l.DefaultMode
	}
	l.DefaultMode = mode
	if mode == ModeCEO {
		if l.MaxParallelTools > 1 {
			l.MaxParallelTools--
		}
		l.WarnAt = l.WarnAt * 3 / 2
	}
	return l
}
