// Package supervisor implements Atpo, the trajectory observer: when tool
// errors pile up or tool volume spikes, a secondary model diagnoses the
// run and injects a bounded correction.
package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// CorrectionMarker wraps the paragraph the correction model must return;
// a response without it is ignored.
const CorrectionMarker = "[atpo-correction]"

// maxCorrectionTokens bounds every supervisor completion.
const maxCorrectionTokens = 500

// Client is the secondary-model collaborator: a synchronous completion
// with a small output budget.
type Client interface {
	Complete(ctx context.Context, req provider.Request) (string, error)
}

// Config sets the intervention thresholds.
type Config struct {
	// ErrorThreshold fires after this many consecutive errored tool
	// results. Zero disables.
	ErrorThreshold int
	// VolumeThreshold fires when cumulative tool calls cross it. Zero
	// disables.
	VolumeThreshold int
	Model           string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{ErrorThreshold: 3, VolumeThreshold: 25}
}

// Atpo observes the trajectory and produces corrections.
type Atpo struct {
	client Client
	cfg    Config

	consecutiveErrors int
	toolCalls         int
	volumeFired       bool
}

// New creates a supervisor; a nil client disables it.
func New(client Client, cfg Config) *Atpo {
	return &Atpo{client: client, cfg: cfg}
}

// RecordResults feeds one turn's tool results into the error counter.
func (a *Atpo) RecordResults(msgs []provider.Message) {
	for _, m := range msgs {
		if m.Role != "tool" {
			continue
		}
		a.toolCalls++
		if strings.HasPrefix(m.Content, "Error:") {
			a.consecutiveErrors++
		} else {
			a.consecutiveErrors = 0
		}
	}
}

// State reports the counters for UI callbacks.
func (a *Atpo) State() (consecutiveErrors, toolCalls int) {
	return a.consecutiveErrors, a.toolCalls
}

// shouldIntervene checks the thresholds.
func (a *Atpo) shouldIntervene() bool {
	if a.client == nil {
		return false
	}
	if a.cfg.ErrorThreshold > 0 && a.consecutiveErrors >= a.cfg.ErrorThreshold {
		return true
	}
	if a.cfg.VolumeThreshold > 0 && !a.volumeFired && a.toolCalls >= a.cfg.VolumeThreshold {
		return true
	}
	return false
}

const directive = `You supervise a coding agent. Below are its last messages.
Diagnose whether it is stuck in a loop, hallucinating file contents, or
drifting from the task. Reply with ONE short paragraph of corrective
guidance wrapped in ` + CorrectionMarker + ` markers. If the trajectory
looks fine, reply with the single word OK.`

// MaybeIntervene calls the correction model when a threshold fired.
// It returns the correction text and true when the core should inject it
// as a user message. Supervisor failures are non-fatal.
func (a *Atpo) MaybeIntervene(ctx context.Context, history []provider.Message) (string, bool) {
	if !a.shouldIntervene() {
		return "", false
	}

	tail := history
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	msgs := make([]provider.Message, 0, len(tail)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: directive, CreatedAt: time.Now()})
	for _, m := range tail {
		// Flatten to text: the correction model needs the trajectory, not
		// the tool-call structure.
		msgs = append(msgs, provider.Message{Role: "user", Content: renderForSupervisor(m), CreatedAt: m.CreatedAt})
	}

	temp := 0.2
	resp, err := a.client.Complete(ctx, provider.Request{
		Model:       a.cfg.Model,
		Messages:    msgs,
		MaxTokens:   maxCorrectionTokens,
		Temperature: &temp,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Supervisor call failed; continuing without intervention")
		return "", false
	}

	correction := extractCorrection(resp)
	if correction == "" {
		return "", false
	}

	a.consecutiveErrors = 0
	a.toolCalls = 0
	a.volumeFired = true
	log.Info().Msg("Supervisor correction injected")
	return correction, true
}

func renderForSupervisor(m provider.Message) string {
	var b strings.Builder
	b.WriteString(m.Role)
	b.WriteString(": ")
	if m.Content != "" {
		b.WriteString(m.Content)
	}
	for _, tc := range m.ToolCalls {
		b.WriteString("\n[tool call] ")
		b.WriteString(tc.Name)
		b.WriteString(" ")
		b.Write(tc.Arguments)
	}
	return b.String()
}

// extractCorrection pulls the marker-wrapped paragraph out of a response.
func extractCorrection(resp string) string {
	first := strings.Index(resp, CorrectionMarker)
	if first < 0 {
		return ""
	}
	rest := resp[first+len(CorrectionMarker):]
	if last := strings.Index(rest, CorrectionMarker); last >= 0 {
		rest = rest[:last]
	}
	return strings.TrimSpace(rest)
}
