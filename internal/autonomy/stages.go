package autonomy

import "fmt"

// Stages cycle in this order; one full pass is a cycle.
var Stages = [7]string{
	"research", "analysis", "planning", "sub-planning",
	"execution", "review", "reassessment",
}

var stageRequirements = map[string]string{
	"research":     "gather the facts you need; read before you write",
	"analysis":     "interpret what you found; name the constraints",
	"planning":     "decide the approach and the order of work",
	"sub-planning": "break the next piece into concrete steps",
	"execution":    "carry out the planned steps",
	"review":       "check the work against the plan; run verification",
	"reassessment": "compare the outcome to the original request; list gaps",
}

// Checkpoint is the per-turn stage marker injected as a system message.
type Checkpoint struct {
	Turn  int
	Cycle int
	Phase int // 1..7
	Stage string
	Next  string
}

// Message renders the checkpoint for injection.
func (c Checkpoint) Message() string {
	return fmt.Sprintf(
		"[stage checkpoint] cycle %d, phase %d/7: %s. Requirement: %s. Next stage: %s.",
		c.Cycle, c.Phase, c.Stage, stageRequirements[c.Stage], c.Next)
}

// StageTracker walks the stage cycle across turns.
type StageTracker struct {
	turn   int
	idx    int
	cycle  int
	forced bool
}

// NewStageTracker starts at cycle 1, research.
func NewStageTracker() *StageTracker {
	return &StageTracker{cycle: 1}
}

// Next returns the checkpoint for the coming turn and advances the cycle.
func (t *StageTracker) Next() Checkpoint {
	t.turn++
	cp := Checkpoint{
		Turn:  t.turn,
		Cycle: t.cycle,
		Phase: t.idx + 1,
		Stage: Stages[t.idx],
		Next:  Stages[(t.idx+1)%len(Stages)],
	}
	t.idx++
	if t.idx == len(Stages) {
		t.idx = 0
		t.cycle++
	}
	return cp
}

// ForceReassessment jumps the tracker to the reassessment stage for the
// next turn.
func (t *StageTracker) ForceReassessment() {
	t.idx = len(Stages) - 1
}
