package autonomy

import (
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerAction is what the circuit breaker demands at a turn boundary.
type BreakerAction int

const (
	// BreakerOK continues normally.
	BreakerOK BreakerAction = iota
	// BreakerWarn logs a budget note once.
	BreakerWarn
	// BreakerPause asks the user whether to continue.
	BreakerPause
	// BreakerStop terminates the session.
	BreakerStop
)

// Breaker enforces the tool-call and runtime budgets.
type Breaker struct {
	WarnAt     int
	PauseAt    int
	HardStopAt int
	Deadline   time.Time // zero disables the runtime budget

	count  int
	warned bool
	paused bool
}

// NewBreaker builds a breaker from a level envelope, starting the runtime
// budget now.
func NewBreaker(l Level) *Breaker {
	return &Breaker{
		WarnAt:     l.WarnAt,
		PauseAt:    l.PauseAt,
		HardStopAt: l.HardStopAt,
		Deadline:   time.Now().Add(l.MaxRuntime),
	}
}

// Record adds n completed tool calls.
func (b *Breaker) Record(n int) { b.count += n }

// Count returns completed tool calls so far.
func (b *Breaker) Count() int { return b.count }

// Remaining returns how many more tool calls may run before the hard stop.
func (b *Breaker) Remaining() int {
	if b.HardStopAt <= 0 {
		return int(^uint(0) >> 1)
	}
	r := b.HardStopAt - b.count
	if r < 0 {
		return 0
	}
	return r
}

// OverDeadline reports whether the runtime budget is exhausted.
func (b *Breaker) OverDeadline() bool {
	return !b.Deadline.IsZero() && time.Now().After(b.Deadline)
}

// Check evaluates the thresholds at a turn boundary. Warn fires once,
// pause fires once; the hard stop always fires when reached.
func (b *Breaker) Check() BreakerAction {
	if b.HardStopAt > 0 && b.count >= b.HardStopAt {
		return BreakerStop
	}
	if b.PauseAt > 0 && b.count >= b.PauseAt && !b.paused {
		b.paused = true
		return BreakerPause
	}
	if b.WarnAt > 0 && b.count >= b.WarnAt && !b.warned {
		b.warned = true
		log.Warn().Int("tool_calls", b.count).Int("warn_at", b.WarnAt).
			Msg("Tool-call budget warning threshold reached")
		return BreakerWarn
	}
	return BreakerOK
}
