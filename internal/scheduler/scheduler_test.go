package scheduler

import (
	"testing"

	"github.com/weftworks/weft/pkg/api"
)

// diamond: a -> b, a -> c, b -> d, c -> d
func diamond() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID: "diamond",
		Steps: []api.StepDefinition{
			{ID: "a", Module: "m", Action: "x"},
			{ID: "b", Module: "m", Action: "x"},
			{ID: "c", Module: "m", Action: "x"},
			{ID: "d", Module: "m", Action: "x"},
		},
		Edges: []api.Edge{
			{From: "a", To: "b"}, {From: "a", To: "c"},
			{From: "b", To: "d"}, {From: "c", To: "d"},
		},
	}
}

func stepStates(statuses map[string]api.StepStatus) map[string]*api.StepRun {
	steps := make(map[string]*api.StepRun, len(statuses))
	for id, s := range statuses {
		steps[id] = &api.StepRun{RunID: "r1", StepID: id, Status: s}
	}
	return steps
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReady_RootsFirst(t *testing.T) {
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepPending, "b": api.StepPending,
		"c": api.StepPending, "d": api.StepPending,
	})

	got := Ready(diamond(), steps)
	if !equal(got, []string{"a"}) {
		t.Fatalf("expected only the root to be ready, got %v", got)
	}
}

func TestReady_FanOutAfterRoot(t *testing.T) {
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepSucceeded, "b": api.StepPending,
		"c": api.StepPending, "d": api.StepPending,
	})

	got := Ready(diamond(), steps)
	if !equal(got, []string{"b", "c"}) {
		t.Fatalf("expected [b c] in definition order, got %v", got)
	}
}

func TestReady_JoinWaitsForAllDependencies(t *testing.T) {
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepSucceeded, "b": api.StepSucceeded,
		"c": api.StepRunning, "d": api.StepPending,
	})

	if got := Ready(diamond(), steps); len(got) != 0 {
		t.Fatalf("d must wait for c, got %v", got)
	}

	steps["c"].Status = api.StepSucceeded
	if got := Ready(diamond(), steps); !equal(got, []string{"d"}) {
		t.Fatalf("expected [d], got %v", got)
	}
}

func TestReady_Deterministic(t *testing.T) {
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepSucceeded, "b": api.StepPending,
		"c": api.StepPending, "d": api.StepPending,
	})

	first := Ready(diamond(), steps)
	for i := 0; i < 50; i++ {
		if got := Ready(diamond(), steps); !equal(got, first) {
			t.Fatalf("ready set must be stable: %v vs %v", first, got)
		}
	}
}

func TestSkippable_FailedDependency(t *testing.T) {
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepSucceeded, "b": api.StepFailed,
		"c": api.StepSucceeded, "d": api.StepPending,
	})

	got := Skippable(diamond(), steps)
	if !equal(got, []string{"d"}) {
		t.Fatalf("expected [d] skippable, got %v", got)
	}
	if got := Ready(diamond(), steps); len(got) != 0 {
		t.Fatalf("a skippable step must never be ready, got %v", got)
	}
}

func TestSkippable_WaitsForAllTerminal(t *testing.T) {
	// b failed but c is still running: d's fate is not decided yet.
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepSucceeded, "b": api.StepFailed,
		"c": api.StepRunning, "d": api.StepPending,
	})

	if got := Skippable(diamond(), steps); len(got) != 0 {
		t.Fatalf("d is not skippable while c is running, got %v", got)
	}
}

func TestSkippable_CascadesThroughSkipped(t *testing.T) {
	// Linear a -> b -> c with b skipped: c becomes skippable.
	def := api.WorkflowDefinition{
		ID: "linear",
		Steps: []api.StepDefinition{
			{ID: "a", Module: "m", Action: "x"},
			{ID: "b", Module: "m", Action: "x"},
			{ID: "c", Module: "m", Action: "x"},
		},
		Edges: []api.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	steps := stepStates(map[string]api.StepStatus{
		"a": api.StepFailed, "b": api.StepSkipped, "c": api.StepPending,
	})

	if got := Skippable(def, steps); !equal(got, []string{"c"}) {
		t.Fatalf("expected skip to cascade to c, got %v", got)
	}
}
