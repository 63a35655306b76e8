package autonomy

import (
	"strings"
	"testing"
	"time"
)

func TestForLevel_ClampsAndScales(t *testing.T) {
	if ForLevel(0).N != 1 || ForLevel(9).N != 5 {
		t.Fatal("level clamp broken")
	}
	prev := Level{}
	for n := 1; n <= 5; n++ {
		l := ForLevel(n)
		if n > 1 {
			if l.HardStopAt <= prev.HardStopAt || l.MaxRuntime <= prev.MaxRuntime {
				t.Errorf("level %d does not scale up budgets", n)
			}
		}
		if l.WarnAt >= l.PauseAt || l.PauseAt >= l.HardStopAt {
			t.Errorf("level %d thresholds not ordered", n)
		}
		if l.MaxRuntime < 10*time.Minute || l.MaxRuntime > 60*time.Minute {
			t.Errorf("level %d runtime out of range", n)
		}
		prev = l
	}
}

func TestApplyMode_CEO(t *testing.T) {
	base := ForLevel(4)
	ceo := ApplyMode(base, ModeCEO)
	if ceo.MaxParallelTools != base.MaxParallelTools-1 {
		t.Errorf("parallel = %d", ceo.MaxParallelTools)
	}
	if ceo.WarnAt <= base.WarnAt {
		t.Errorf("warn = %d", ceo.WarnAt)
	}

	// Parallelism never drops below one.
	l1 := ApplyMode(ForLevel(1), ModeCEO)
	if l1.MaxParallelTools != 1 {
		t.Errorf("level 1 CEO parallel = %d", l1.MaxParallelTools)
	}
}

func TestStageTracker_CyclesThroughSevenPhases(t *testing.T) {
	tr := NewStageTracker()
	for phase := 1; phase <= 7; phase++ {
		cp := tr.Next()
		if cp.Cycle != 1 || cp.Phase != phase || cp.Stage != Stages[phase-1] {
			t.Fatalf("checkpoint = %+v", cp)
		}
	}
	cp := tr.Next()
	if cp.Cycle != 2 || cp.Phase != 1 || cp.Stage != "research" {
		t.Fatalf("wrap = %+v", cp)
	}
	// The last stage's next wraps to research.
	tr2 := NewStageTracker()
	var last Checkpoint
	for i := 0; i < 7; i++ {
		last = tr2.Next()
	}
	if last.Stage != "reassessment" || last.Next != "research" {
		t.Fatalf("last = %+v", last)
	}
}

func TestStageTracker_ForceReassessment(t *testing.T) {
	tr := NewStageTracker()
	tr.Next()
	tr.ForceReassessment()
	cp := tr.Next()
	if cp.Stage != "reassessment" {
		t.Fatalf("stage = %q", cp.Stage)
	}
	if !strings.Contains(cp.Message(), "phase 7/7") {
		t.Fatalf("message = %q", cp.Message())
	}
}

func TestBreaker_Thresholds(t *testing.T) {
	b := &Breaker{WarnAt: 2, PauseAt: 4, HardStopAt: 6}

	b.Record(1)
	if got := b.Check(); got != BreakerOK {
		t.Fatalf("at 1: %v", got)
	}
	b.Record(1)
	if got := b.Check(); got != BreakerWarn {
		t.Fatalf("at 2: %v", got)
	}
	// Warn fires once.
	if got := b.Check(); got != BreakerOK {
		t.Fatalf("warn repeated: %v", got)
	}
	b.Record(2)
	if got := b.Check(); got != BreakerPause {
		t.Fatalf("at 4: %v", got)
	}
	if got := b.Check(); got != BreakerOK {
		t.Fatalf("pause repeated: %v", got)
	}
	b.Record(2)
	if got := b.Check(); got != BreakerStop {
		t.Fatalf("at 6: %v", got)
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining = %d", b.Remaining())
	}
}

func TestBreaker_Deadline(t *testing.T) {
	b := &Breaker{Deadline: time.Now().Add(-time.Second)}
	if !b.OverDeadline() {
		t.Fatal("expected deadline exceeded")
	}
	b.Deadline = time.Time{}
	if b.OverDeadline() {
		t.Fatal("zero deadline must disable the runtime budget")
	}
}
