package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Unary transport: a half-duplex chat-completion stream over server-sent
// events, in the common chat-completions chunk format.

type chatStreamRequest struct {
	Model            string            `json:"model"`
	Messages         []wireMessage     `json:"messages"`
	Tools            []wireTool        `json:"tools,omitempty"`
	ToolChoice       string            `json:"tool_choice,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	ResponseFormat   *wireFormat       `json:"response_format,omitempty"`
	Stream           bool              `json:"stream"`
	StreamOptions    chatStreamOptions `json:"stream_options"`
}

// chatStreamOptions requests usage info on the final streaming chunk.
type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireFormat struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or []wirePart
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"` // "text" or "image_url"
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageRef `json:"image_url,omitempty"`
}

type wireImageRef struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Arguments   string          `json:"arguments,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type chatStreamChunk struct {
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatStreamChoice struct {
	Delta        chatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type chatStreamDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []wireDeltaCall `json:"tool_calls,omitempty"`
}

type wireDeltaCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Function wireFunction `json:"function"`
}

// toWireMessages converts provider messages to the wire format.
func toWireMessages(messages []Message) []wireMessage {
	result := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if len(m.Parts) > 0 {
			parts := make([]wirePart, len(m.Parts))
			for j, p := range m.Parts {
				if p.Type == "image" {
					parts[j] = wirePart{Type: "image_url", ImageURL: &wireImageRef{URL: p.ImageRef}}
					continue
				}
				parts[j] = wirePart{Type: "text", Text: p.Text}
			}
			wm.Content = parts
		} else {
			wm.Content = m.Content
		}
		if len(m.ToolCalls) > 0 {
			wm.ToolCalls = make([]wireToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				wm.ToolCalls[j] = wireToolCall{
					Index: j,
					ID:    tc.ID,
					Type:  "function",
					Function: wireFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result[i] = wm
	}
	return result
}

// toWireTools converts tool definitions, passing Parameters through as raw
// JSON to preserve deterministic serialization order.
func toWireTools(tools []Tool) []wireTool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]wireTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		result[i] = wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func buildStreamRequest(req Request) chatStreamRequest {
	body := chatStreamRequest{
		Model:            req.Model,
		Messages:         toWireMessages(req.Messages),
		Tools:            toWireTools(req.Tools),
		ToolChoice:       req.ToolChoice,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stream:           true,
		StreamOptions:    chatStreamOptions{IncludeUsage: true},
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = &wireFormat{Type: req.ResponseFormat}
	}
	return body
}

// UnaryTransport streams chat completions over SSE.
type UnaryTransport struct {
	client   *http.Client
	url      string
	headers  map[string]string
	provider string // for logging
}

// NewUnaryTransport creates an SSE transport for the given endpoint.
func NewUnaryTransport(client *http.Client, url, providerName string, headers map[string]string) *UnaryTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &UnaryTransport{client: client, url: url, headers: headers, provider: providerName}
}

func (t *UnaryTransport) Kind() TransportKind { return KindUnary }

func (t *UnaryTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// Stream opens the SSE response and emits normalized events. Failures
// before the first byte surface as an open TransportError; failures while
// reading are delivered on the channel as a mid TransportError.
func (t *UnaryTransport) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(buildStreamRequest(req))
	if err != nil {
		return nil, openError(KindUnary, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, openError(KindUnary, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, openError(KindUnary, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, openError(KindUnary, resp.StatusCode,
			fmt.Errorf("stream request status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseChatSSE(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// parseChatSSE reads SSE lines and sends normalized stream events.
// Caller owns the reader.
func parseChatSSE(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("Failed to parse SSE chunk")
			continue
		}
		if !emitChunk(ctx, ch, chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: midError(KindUnary, err)})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// emitChunk sends the events for one parsed chunk. Returns false if ctx cancelled.
func emitChunk(ctx context.Context, ch chan<- StreamEvent, chunk chatStreamChunk) bool {
	if chunk.Usage != nil {
		if !trySend(ctx, ch, StreamEvent{
			Type:         EventUsage,
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}) {
			return false
		}
	}
	if len(chunk.Choices) == 0 {
		return true
	}
	choice := chunk.Choices[0]

	thinking := choice.Delta.Reasoning
	if thinking == "" {
		thinking = choice.Delta.ReasoningContent
	}
	if thinking != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventThinkingDelta, Content: thinking}) {
			return false
		}
	}
	if choice.Delta.Content != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: choice.Delta.Content}) {
			return false
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		if tc.Function.Name != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallBegin, ToolCallIndex: tc.Index,
				ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallDelta, ToolCallIndex: tc.Index,
				ToolCallArgs: tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventFinish, FinishReason: *choice.FinishReason}) {
			return false
		}
	}
	return true
}
