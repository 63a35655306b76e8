// Package agent composes the execution core into the turn loop: compact,
// stream, collect, gate, execute, repeat.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/optahq/opta/internal/provider"
)

// Status is the terminal state of one agent invocation.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusPaused        Status = "paused"
	StatusHardStop      Status = "hard_stop"
	StatusRuntimeBudget Status = "runtime_budget_reached"
	// StatusStopped ends a run after repeated protocol failures.
	StatusStopped Status = "stopped"
)

// ErrorKind categorizes terminal errors for programmatic callers.
type ErrorKind int

const (
	KindCancelled ErrorKind = iota
	KindTransport
	KindProtocol
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "fatal"
	}
}

// ProtocolError marks a run ended by repeated pseudo tool markup.
type ProtocolError struct {
	Model string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("model %s kept emitting pseudo tool markup instead of native tool calls", e.Model)
}

// Categorize maps a terminal error to its kind plus a single-line message
// and a suggestion for the CLI surface.
func Categorize(err error) (ErrorKind, string, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled, "cancelled", ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindCancelled, "deadline exceeded", ""
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return KindProtocol, pe.Error(), "Try: a model with native tool-calling support"
	}

	var te *provider.TransportError
	if errors.As(err, &te) {
		return KindTransport, te.Error(), "Try: opta status"
	}

	return KindFatal, err.Error(), "Try: opta doctor"
}
