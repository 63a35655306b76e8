package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Duplex transport: a persistent bidirectional websocket channel. One JSON
// request envelope goes out, framed chunk events come back. The server may
// cancel mid-stream; the client cancels by sending a cancel frame.

// duplexEnvelope is the single request frame sent after the handshake.
type duplexEnvelope struct {
	Type    string            `json:"type"` // "chat.stream"
	Request chatStreamRequest `json:"request"`
}

// duplexFrame is one framed event received from the server.
type duplexFrame struct {
	Type      string           `json:"type"` // "chunk", "done", "error", "cancelled"
	Chunk     *chatStreamChunk `json:"chunk,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// duplexCancel is the client-initiated cancel frame.
type duplexCancel struct {
	Type string `json:"type"` // "cancel"
}

// DuplexTransport streams chat completions over a websocket channel.
type DuplexTransport struct {
	url      string
	headers  http.Header
	dialer   *websocket.Dialer
	provider string // for logging
}

// NewDuplexTransport creates a duplex transport for the given ws:// or
// wss:// endpoint.
func NewDuplexTransport(url, providerName string, headers map[string]string) *DuplexTransport {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &DuplexTransport{
		url:      url,
		headers:  h,
		dialer:   websocket.DefaultDialer,
		provider: providerName,
	}
}

func (t *DuplexTransport) Kind() TransportKind { return KindDuplex }

func (t *DuplexTransport) Close() error { return nil }

// Stream dials the channel, writes the request envelope, and emits
// normalized events from the returned frames. Handshake and envelope-write
// failures surface as open TransportErrors; anything after the first frame
// is a mid fault on the channel.
func (t *DuplexTransport) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, openError(KindDuplex, status, fmt.Errorf("duplex handshake: %w", err))
	}

	envelope := duplexEnvelope{Type: "chat.stream", Request: buildStreamRequest(req)}
	if err := conn.WriteJSON(envelope); err != nil {
		conn.Close()
		return nil, openError(KindDuplex, 0, fmt.Errorf("send request envelope: %w", err))
	}

	ch := make(chan StreamEvent)
	go t.readFrames(ctx, conn, ch)
	return ch, nil
}

// readFrames pumps server frames into normalized events until done, error,
// or cancellation. On cancellation it sends a cancel frame before closing.
func (t *DuplexTransport) readFrames(ctx context.Context, conn *websocket.Conn, ch chan<- StreamEvent) {
	defer close(ch)
	defer conn.Close()

	// Close the connection when ctx fires so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteJSON(duplexCancel{Type: "cancel"}) //nolint:errcheck // best-effort cancel
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame duplexFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				err = fmt.Errorf("premature close: %w", err)
			}
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: midError(KindDuplex, err)})
			return
		}

		switch frame.Type {
		case "chunk":
			if frame.Chunk == nil {
				continue
			}
			if !emitChunk(ctx, ch, *frame.Chunk) {
				return
			}
		case "done":
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		case "cancelled":
			trySend(ctx, ch, StreamEvent{Type: EventError,
				Err: midError(KindDuplex, errors.New("server cancelled stream"))})
			return
		case "error":
			trySend(ctx, ch, StreamEvent{Type: EventError,
				Err: midError(KindDuplex, fmt.Errorf("server error %s: %s", frame.ErrorCode, frame.Message))})
			return
		default:
			log.Debug().Str("provider", t.provider).Str("type", frame.Type).Msg("Ignoring unknown duplex frame")
		}
	}
}
