// Package provider defines the chat-completion data model and the two
// streaming transports (duplex and unary) used to reach a provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrProviderNotFound is returned when a requested provider doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"` // path or URL, resolved by the caller
}

// Message represents a chat message.
type Message struct {
	Role         string
	Content      string
	Parts        []ContentPart // set instead of Content for multi-part bodies
	Thinking     string        // hidden reasoning content (assistant messages)
	ToolCalls    []ToolCall    // for assistant messages with tool calls
	ToolCallID   string        // for tool result messages
	CreatedAt    time.Time
	InputTokens  int // token usage for this LLM call (assistant messages only)
	OutputTokens int
}

// Tool represents a tool/function definition for the LLM.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall represents a tool call made by the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a chat-completion request. Model and Messages are required.
type Request struct {
	Model            string
	Messages         []Message
	Tools            []Tool
	ToolChoice       string // "", "auto", "none", or a tool name
	Temperature      *float64
	TopP             *float64
	MaxTokens        int
	Stop             []string
	FrequencyPenalty *float64
	PresencePenalty  *float64
	ResponseFormat   string // "", "json_object"
}

// Validate checks the request preconditions shared by both transports.
func (r *Request) Validate() error {
	if r.Model == "" {
		return errors.New("request: empty model id")
	}
	if len(r.Messages) == 0 {
		return errors.New("request: empty message list")
	}
	return nil
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType int

const (
	// EventContentDelta carries a chunk of text content.
	EventContentDelta StreamEventType = iota
	// EventThinkingDelta carries a chunk of hidden thinking content.
	EventThinkingDelta
	// EventToolCallBegin signals the start of a new tool call with ID and name.
	EventToolCallBegin
	// EventToolCallDelta carries a chunk of tool call arguments.
	EventToolCallDelta
	// EventFinish carries the finish reason.
	EventFinish
	// EventUsage carries terminal token usage statistics.
	EventUsage
	// EventDone signals the stream is complete.
	EventDone
	// EventError signals a stream error.
	EventError
)

// StreamEvent is a normalized chunk of a streamed response. Both transports
// emit the same event sequence so everything downstream is transport-blind.
type StreamEvent struct {
	Type StreamEventType

	// Content or thinking text delta.
	Content string

	// Tool call fields (EventToolCallBegin, EventToolCallDelta).
	ToolCallIndex int
	ToolCallID    string // set on EventToolCallBegin
	ToolCallName  string // set on EventToolCallBegin
	ToolCallArgs  string // argument fragment on EventToolCallDelta

	// Finish reason (EventFinish): "stop", "tool_calls", "length".
	FinishReason string

	// Token usage (EventUsage).
	InputTokens  int
	OutputTokens int

	// Error (EventError).
	Err error
}

// TransportKind discriminates the two wire transports.
type TransportKind int

const (
	// KindDuplex is a persistent bidirectional channel with framed events.
	KindDuplex TransportKind = iota
	// KindUnary is a half-duplex server-sent-event response stream.
	KindUnary
)

func (k TransportKind) String() string {
	if k == KindDuplex {
		return "duplex"
	}
	return "unary"
}

// Transport opens one streaming chat completion. The returned channel is
// finite and single-pass: it is closed after EventDone or EventError.
type Transport interface {
	Kind() TransportKind
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	Close() error
}

// Provider bundles the transports available for one upstream.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// Unary returns the always-available SSE transport.
	Unary() Transport

	// Duplex returns the bidirectional transport, or nil when the provider
	// does not support it.
	Duplex() Transport

	// Close closes idle connections and cleans up resources.
	Close() error
}

// Options holds provider generation settings.
type Options struct {
	Temperature float64
}

// Factory constructs a provider for a configured endpoint.
type Factory interface {
	Name() string
	Create(model string, opts Options) Provider
}

// Registry holds available providers.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Create(name, model string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		log.Error().Str("name", name).Str("model", model).Msg("Registry.Create: factory not found")
		return nil, ErrProviderNotFound
	}
	return f.Create(model, opts), nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// trySend sends an event on ch, aborting if ctx is cancelled. Returns false if cancelled.
func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
