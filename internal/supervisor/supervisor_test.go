package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/optahq/opta/internal/provider"
)

type scriptedClient struct {
	response string
	err      error
	calls    int
	lastReq  provider.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req provider.Request) (string, error) {
	c.calls++
	c.lastReq = req
	return c.response, c.err
}

func erroredResult() provider.Message {
	return provider.Message{Role: "tool", Content: "Error: no such file", ToolCallID: "c"}
}

func okResult() provider.Message {
	return provider.Message{Role: "tool", Content: "done", ToolCallID: "c"}
}

func TestAtpo_FiresOnConsecutiveErrors(t *testing.T) {
	client := &scriptedClient{response: CorrectionMarker + " Stop re-reading the same file; list the directory instead. " + CorrectionMarker}
	a := New(client, Config{ErrorThreshold: 3})

	a.RecordResults([]provider.Message{erroredResult(), erroredResult()})
	if _, ok := a.MaybeIntervene(context.Background(), nil); ok {
		t.Fatal("fired below threshold")
	}

	a.RecordResults([]provider.Message{erroredResult()})
	correction, ok := a.MaybeIntervene(context.Background(), []provider.Message{
		{Role: "assistant", Content: "trying again"},
	})
	if !ok {
		t.Fatal("expected intervention")
	}
	if correction != "Stop re-reading the same file; list the directory instead." {
		t.Fatalf("correction = %q", correction)
	}

	// Counters reset after intervention.
	if errs, _ := a.State(); errs != 0 {
		t.Fatalf("errors not reset: %d", errs)
	}
	if client.lastReq.MaxTokens != maxCorrectionTokens {
		t.Fatalf("max tokens = %d", client.lastReq.MaxTokens)
	}
}

func TestAtpo_SuccessResetsErrorStreak(t *testing.T) {
	a := New(&scriptedClient{}, Config{ErrorThreshold: 3})
	a.RecordResults([]provider.Message{erroredResult(), erroredResult(), okResult()})
	if errs, _ := a.State(); errs != 0 {
		t.Fatalf("streak = %d", errs)
	}
}

func TestAtpo_ResponseWithoutMarkerIgnored(t *testing.T) {
	client := &scriptedClient{response: "OK"}
	a := New(client, Config{ErrorThreshold: 1})
	a.RecordResults([]provider.Message{erroredResult()})
	if _, ok := a.MaybeIntervene(context.Background(), nil); ok {
		t.Fatal("marker-less response must be ignored")
	}
}

func TestAtpo_FailureNonFatal(t *testing.T) {
	client := &scriptedClient{err: errors.New("secondary model down")}
	a := New(client, Config{ErrorThreshold: 1})
	a.RecordResults([]provider.Message{erroredResult()})
	if _, ok := a.MaybeIntervene(context.Background(), nil); ok {
		t.Fatal("failure must not intervene")
	}
}

func TestAtpo_LastFiveMessagesOnly(t *testing.T) {
	client := &scriptedClient{response: "OK"}
	a := New(client, Config{VolumeThreshold: 1})
	a.RecordResults([]provider.Message{okResult(), okResult()})

	var history []provider.Message
	for i := 0; i < 12; i++ {
		history = append(history, provider.Message{Role: "assistant", Content: "m"})
	}
	a.MaybeIntervene(context.Background(), history)
	// system directive + 5 trajectory messages
	if len(client.lastReq.Messages) != 6 {
		t.Fatalf("messages = %d", len(client.lastReq.Messages))
	}
}
