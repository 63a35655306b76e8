package subagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/optahq/opta/internal/agent"
	"github.com/optahq/opta/internal/autonomy"
	"github.com/optahq/opta/internal/backoff"
	"github.com/optahq/opta/internal/conversation"
	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/stream"
	"github.com/optahq/opta/internal/tools"
)

func baseDeps(mock *provider.Mock) agent.Deps {
	reg := tools.NewRegistry()
	reg.Register(provider.Tool{Name: "read_file"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "contents", nil
	})
	est := &conversation.Estimator{}
	level := autonomy.ForLevel(3)
	level.MaxRuntime = time.Hour
	return agent.Deps{
		Pipeline: stream.New(mock).WithBackoff(backoff.Policy{InitialMs: 1, MaxMs: 1, Factor: 1}, 2),
		Registry: reg,
		Gate: &policy.Gate{
			Engine: policy.NewEngine(nil),
			Perms:  policy.NewPermissionMap(map[string]policy.Permission{"read_file": policy.PermAllow}, nil),
		},
		Estimator:    est,
		Compactor:    conversation.NewCompactor(est, 1_000_000, 0.9),
		Level:        level,
		Model:        "opta-1",
		SystemPrompt: "parent prompt",
	}
}

func TestSpawn_ReturnsFinalContent(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.ToolScript(provider.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}),
		provider.TextScript("the file holds contents"),
	)
	sp := &Spawner{Base: baseDeps(mock), MaxDepth: 1, SystemPrompt: "sub prompt"}

	out, err := sp.Spawn(context.Background(), "read a", 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if out != "the file holds contents" {
		t.Fatalf("out = %q", out)
	}
}

func TestSpawn_DepthCap(t *testing.T) {
	sp := &Spawner{Base: baseDeps(provider.NewMock("mock")), Depth: 1, MaxDepth: 1}
	if _, err := sp.Spawn(context.Background(), "task", 0); err == nil {
		t.Fatal("expected depth error")
	}
}

func TestSpawn_IterationBounds(t *testing.T) {
	sp := &Spawner{Base: baseDeps(provider.NewMock("mock")), MaxDepth: 1}
	if _, err := sp.Spawn(context.Background(), "task", MaxIterations+1); err == nil {
		t.Fatal("expected iteration bound error")
	}
}

// A sub-agent that needs approval gets denied, not prompted, even when the
// parent had an approval callback.
func TestSpawn_DerivedGateCannotPrompt(t *testing.T) {
	mock := provider.NewMock("mock",
		provider.ToolScript(provider.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{}`)}),
		provider.TextScript("done without the file"),
	)
	deps := baseDeps(mock)
	deps.Gate.Perms = policy.NewPermissionMap(map[string]policy.Permission{"read_file": policy.PermAsk}, nil)
	prompted := false
	deps.Gate.OnApproval = func(string, json.RawMessage) policy.Approval {
		prompted = true
		return policy.ApproveOnce
	}

	sp := &Spawner{Base: deps, MaxDepth: 1}
	out, err := sp.Spawn(context.Background(), "read a", 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if prompted {
		t.Fatal("sub-agent must not prompt")
	}
	if out == "" {
		t.Fatal("expected final content")
	}

	// The parent's gate is untouched.
	if sp.Base.Gate.SubAgent {
		t.Fatal("parent gate mutated")
	}
}
