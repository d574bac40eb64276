package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBasicMetrics(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	run := &WorkflowRun{ID: "r1", DefinitionID: "wf", Status: RunRunning}

	m.OnRunStart(ctx, run)
	m.OnStepFinished(ctx, run, "a", 1, nil, 10*time.Millisecond)
	m.OnStepFinished(ctx, run, "b", 1, errors.New("boom"), 30*time.Millisecond)
	m.OnStepRetry(ctx, run, "b", 1, time.Second)

	run.Status = RunFailed
	m.OnRunFinished(ctx, run)

	snap := m.Snapshot()
	if snap.RunsStarted != 1 || snap.RunsFinished != 1 || snap.RunsFailed != 1 {
		t.Fatalf("unexpected run counters: %+v", snap)
	}
	if snap.ActiveRuns != 0 {
		t.Fatalf("expected no active runs, got %d", snap.ActiveRuns)
	}
	if snap.AttemptsFinished != 2 || snap.AttemptsRetried != 1 {
		t.Fatalf("unexpected attempt counters: %+v", snap)
	}
	if snap.AvgAttemptDuration != 20*time.Millisecond {
		t.Fatalf("expected 20ms average, got %v", snap.AvgAttemptDuration)
	}
}

func TestNewCompositeObserver(t *testing.T) {
	m1 := &BasicMetrics{}
	m2 := &BasicMetrics{}

	// nil observers are dropped; a single survivor is returned directly.
	if obs := NewCompositeObserver(nil, m1); obs != Observer(m1) {
		t.Fatalf("single observer should be returned unwrapped")
	}
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Fatalf("all-nil composite should be a NoopObserver")
	}

	obs := NewCompositeObserver(m1, m2)
	run := &WorkflowRun{ID: "r1", DefinitionID: "wf"}
	obs.OnRunStart(context.Background(), run)

	if m1.Snapshot().RunsStarted != 1 || m2.Snapshot().RunsStarted != 1 {
		t.Fatalf("composite should fan out to every observer")
	}
}
