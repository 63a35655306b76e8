package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// Summarizer produces a summary of the given messages, bounded to
// maxTokens output tokens. The orchestrator backs this with a model call.
type Summarizer func(ctx context.Context, msgs []provider.Message, maxTokens int) (string, error)

// Compactor replaces the middle of an over-budget conversation with a
// single model-generated summary message.
type Compactor struct {
	est          *Estimator
	contextLimit int
	ratio        float64 // fraction of the context limit that triggers compaction
}

// NewCompactor creates a compactor for the given context limit and
// trigger ratio.
func NewCompactor(est *Estimator, contextLimit int, ratio float64) *Compactor {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}
	return &Compactor{est: est, contextLimit: contextLimit, ratio: ratio}
}

// Threshold returns the token estimate above which compaction triggers.
func (cp *Compactor) Threshold() int {
	return int(float64(cp.contextLimit) * cp.ratio)
}

// RecentCount returns how many trailing messages compaction preserves.
func (cp *Compactor) RecentCount() int {
	return clamp(cp.contextLimit/4000, 6, 20)
}

// summaryBudget returns the output-token bound for the summary call.
func (cp *Compactor) summaryBudget() int {
	return clamp(cp.contextLimit*5/100, 500, 2000)
}

// ShouldCompact reports whether the conversation estimate crosses the
// threshold and there is a compactable middle.
func (cp *Compactor) ShouldCompact(c *Conv) bool {
	if c.Len() <= cp.RecentCount()+2 {
		return false
	}
	return cp.est.Count(c.Messages()) > cp.Threshold()
}

// Compact replaces everything between the system message and the last
// RecentCount messages with one summarized user message. On summarizer
// failure the conversation is left unchanged.
func (cp *Compactor) Compact(ctx context.Context, c *Conv, summarize Summarizer) error {
	recent := cp.RecentCount()
	if c.Len() <= recent+2 {
		return nil
	}

	msgs := c.Messages()
	// Never cut between an assistant tool-call message and its results:
	// widen the kept tail until it does not begin with a tool message.
	start := len(msgs) - recent
	for start > 1 && msgs[start].Role == "tool" {
		start--
	}
	middle := msgs[1:start]
	if len(middle) == 0 {
		return nil
	}

	summary, err := summarize(ctx, middle, cp.summaryBudget())
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}

	compacted := make([]provider.Message, 0, len(msgs)-len(middle)+1)
	compacted = append(compacted, msgs[0])
	compacted = append(compacted, provider.Message{
		Role:      "user",
		Content:   "Summary of the earlier conversation:\n\n" + summary,
		CreatedAt: time.Now(),
	})
	compacted = append(compacted, msgs[start:]...)

	log.Info().
		Int("before", len(msgs)).
		Int("after", len(compacted)).
		Int("recent_kept", recent).
		Msg("Compacted conversation")

	c.msgs = compacted
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
