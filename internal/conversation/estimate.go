package conversation

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// perMessageOverhead approximates the framing tokens each message costs.
const perMessageOverhead = 4

// Estimator counts approximate tokens for messages. It uses a tiktoken
// encoding when one can be loaded and falls back to a bytes/4 heuristic
// otherwise, so estimation never fails.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator for the given model id.
func NewEstimator(model string) *Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		log.Debug().Err(err).Str("model", model).Msg("No tiktoken encoding; using byte heuristic")
		enc = nil
	}
	return &Estimator{enc: enc}
}

// CountText estimates tokens in a single string.
func (e *Estimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

// Count estimates the total tokens for a message list.
func (e *Estimator) Count(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += e.CountText(m.Content)
		total += e.CountText(m.Thinking)
		for _, p := range m.Parts {
			total += e.CountText(p.Text)
		}
		for _, tc := range m.ToolCalls {
			total += e.CountText(tc.Name)
			total += e.CountText(string(tc.Arguments))
		}
	}
	return total
}
