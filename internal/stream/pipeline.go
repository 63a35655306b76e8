package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/backoff"
	"github.com/optahq/opta/internal/provider"
)

// Status reports connection lifecycle to the caller's UI.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDegraded     Status = "degraded" // duplex unavailable, running on unary
)

// StatusFunc receives connection status changes. attempt is 0 except while
// retrying or reconnecting.
type StatusFunc func(status Status, attempt int)

// DefaultMaxOpenAttempts bounds open retries and per-fault reconnects.
const DefaultMaxOpenAttempts = 4

// Pipeline opens provider streams with retry-on-open and mid-stream
// recovery. The prefix-dedup state guarantees that, across any schedule of
// disconnects, the concatenation of yielded content equals the server's
// full response. A Pipeline is session-scoped: the duplex-unavailable flag
// learned in one turn sticks for later turns.
type Pipeline struct {
	prov            provider.Provider
	policy          backoff.Policy
	maxOpenAttempts int

	duplexDown bool
}

// New creates a pipeline over prov.
func New(prov provider.Provider) *Pipeline {
	return &Pipeline{
		prov:            prov,
		policy:          backoff.Default(),
		maxOpenAttempts: DefaultMaxOpenAttempts,
	}
}

// WithBackoff overrides the open-retry policy.
func (p *Pipeline) WithBackoff(policy backoff.Policy, maxAttempts int) *Pipeline {
	p.policy = policy
	if maxAttempts > 0 {
		p.maxOpenAttempts = maxAttempts
	}
	return p
}

// DuplexUnavailable reports the sticky transport flag.
func (p *Pipeline) DuplexUnavailable() bool { return p.duplexDown }

// Run opens a recoverable stream. The returned channel yields deduplicated
// events and is closed after a terminal event. Retryable open failures
// surface only after retries are exhausted; other open failures surface
// at once.
func (p *Pipeline) Run(ctx context.Context, req provider.Request, onStatus StatusFunc) (<-chan provider.StreamEvent, error) {
	notify(onStatus, StatusConnecting, 0)
	src, err := p.openWithRetry(ctx, req, onStatus)
	if err != nil {
		return nil, err
	}
	notify(onStatus, StatusConnected, 0)

	out := make(chan provider.StreamEvent)
	go p.pump(ctx, req, src, out, onStatus)
	return out, nil
}

func notify(fn StatusFunc, s Status, attempt int) {
	if fn != nil {
		fn(s, attempt)
	}
}

// pick returns the preferred transport for the next open.
func (p *Pipeline) pick() provider.Transport {
	if d := p.prov.Duplex(); d != nil && !p.duplexDown {
		return d
	}
	return p.prov.Unary()
}

// openWithRetry opens a stream with exponential backoff. A duplex open
// failure marks the sticky flag and falls through to unary within the same
// attempt; only retryable unary faults consume further attempts.
func (p *Pipeline) openWithRetry(ctx context.Context, req provider.Request, onStatus StatusFunc) (<-chan provider.StreamEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxOpenAttempts; attempt++ {
		if attempt > 1 {
			notify(onStatus, StatusConnecting, attempt)
			if err := backoff.Sleep(ctx, p.policy, attempt-1); err != nil {
				return nil, err
			}
		}

		tr := p.pick()
		ch, err := tr.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}

		if tr.Kind() == provider.KindDuplex {
			log.Warn().Err(err).Msg("Duplex open failed; sticking to unary for this session")
			p.duplexDown = true
			notify(onStatus, StatusDegraded, attempt)
			ch, err = p.prov.Unary().Stream(ctx, req)
			if err == nil {
				return ch, nil
			}
		}
		if !provider.IsRetryableOpen(err) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Stream open failed; retrying")
	}
	return nil, lastErr
}

// pump forwards events downstream, recording them for dedup, and runs
// mid-stream recovery on transport faults. Recovery never runs after
// cancellation.
func (p *Pipeline) pump(ctx context.Context, req provider.Request, src <-chan provider.StreamEvent, out chan<- provider.StreamEvent, onStatus StatusFunc) {
	defer close(out)

	state := newRecoveryState()
	replaying := false

	for {
		terminal, fault := p.drain(ctx, src, out, state, replaying)
		if terminal {
			return
		}

		// Transport fault (or premature channel close) before Done.
		if ctx.Err() != nil {
			forward(ctx, out, provider.StreamEvent{Type: provider.EventError, Err: ctx.Err()})
			return
		}
		next, err := p.reconnect(ctx, req, onStatus)
		if err != nil {
			if fault == nil {
				fault = err
			}
			forward(ctx, out, provider.StreamEvent{Type: provider.EventError, Err: fault})
			return
		}
		notify(onStatus, StatusConnected, 0)
		state.beginReplay()
		src = next
		replaying = true
	}
}

// drain consumes src until it ends. Returns terminal=true when the stream
// finished for good (Done, cancellation, or a non-recoverable error was
// forwarded); otherwise returns the mid fault to recover from.
func (p *Pipeline) drain(ctx context.Context, src <-chan provider.StreamEvent, out chan<- provider.StreamEvent, state *recoveryState, replaying bool) (bool, error) {
	for evt := range src {
		if evt.Type == provider.EventError {
			if provider.IsMid(evt.Err) && ctx.Err() == nil {
				return false, evt.Err
			}
			forward(ctx, out, evt)
			return true, nil
		}

		keep := true
		if replaying {
			evt, keep = state.trim(evt)
		} else {
			state.record(evt)
		}
		if !keep {
			continue
		}
		if !forward(ctx, out, evt) {
			return true, nil
		}
		if evt.Type == provider.EventDone {
			return true, nil
		}
	}

	if state.sawDone {
		return true, nil
	}
	// Channel closed without a terminal event: premature close.
	return false, &provider.TransportError{Transport: provider.KindUnary, Mid: true,
		Err: errors.New("premature close: stream ended without terminal event")}
}

// reconnect re-opens the stream after a mid fault: duplex first (unless
// sticky-down), falling back to unary, with the open-retry budget.
func (p *Pipeline) reconnect(ctx context.Context, req provider.Request, onStatus StatusFunc) (<-chan provider.StreamEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxOpenAttempts; attempt++ {
		notify(onStatus, StatusReconnecting, attempt)
		if err := backoff.Sleep(ctx, p.policy, attempt); err != nil {
			return nil, err
		}

		tr := p.pick()
		ch, err := tr.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		if tr.Kind() == provider.KindDuplex {
			log.Warn().Err(err).Msg("Duplex reconnect failed; falling back to unary")
			p.duplexDown = true
			notify(onStatus, StatusDegraded, attempt)
			ch, err = p.prov.Unary().Stream(ctx, req)
			if err == nil {
				return ch, nil
			}
		}
		if !provider.IsRetryableOpen(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func forward(ctx context.Context, out chan<- provider.StreamEvent, evt provider.StreamEvent) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
