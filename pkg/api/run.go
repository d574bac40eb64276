package api

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunSucceeded       RunStatus = "SUCCEEDED"
	RunFailed          RunStatus = "FAILED"
	RunPartiallyFailed RunStatus = "PARTIALLY_FAILED"
	RunCancelled       RunStatus = "CANCELLED"
)

// Terminal reports whether the run has finished. A terminal run is
// read-only; re-running a definition always creates a fresh run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunPartiallyFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepRetrying  StepStatus = "RETRYING"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Terminal reports whether the step will never run again in this run.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// WorkflowRun is one execution instance of a workflow definition.
type WorkflowRun struct {
	ID           string
	DefinitionID string
	Status       RunStatus

	// Input is the initial input supplied to StartRun. It is available
	// to step params via "{{input.<key>}}" placeholders.
	Input map[string]any

	CreatedAt   time.Time
	CompletedAt time.Time // zero until the run is terminal
}

// StepRun is one step's execution state within a run.
type StepRun struct {
	RunID  string
	StepID string
	Status StepStatus

	// Attempt is 1-based and counts dispatches, including retries.
	Attempt int

	LastError string

	// Output is the opaque result payload passed to dependent steps.
	Output map[string]any

	// NotBefore is the earliest re-dispatch time for a retrying step.
	NotBefore time.Time

	StartedAt  time.Time
	FinishedAt time.Time
}

// JobLogEntry is the append-only record of one step attempt. Entries
// are never mutated; the retention sweeper deletes them once they are
// older than the configured job-log window.
type JobLogEntry struct {
	ID       int64
	RunID    string
	StepID   string
	Attempt  int
	Outcome  StepStatus
	Error    string
	Duration time.Duration

	CreatedAt time.Time
}

// DedupRecord is a content fingerprint written by module capabilities
// that must avoid duplicate external side effects under at-least-once
// invocation. Records are purged by the retention sweeper on a longer
// window than job logs.
type DedupRecord struct {
	Fingerprint string
	RunID       string
	StepID      string
	CreatedAt   time.Time
}

// RunSnapshot is the caller-visible view of a run: the run record plus
// every step run, in definition order.
type RunSnapshot struct {
	Run   *WorkflowRun
	Steps []*StepRun
}

// Step returns the snapshot's step run with the given ID.
func (s *RunSnapshot) Step(id string) (*StepRun, bool) {
	for _, sr := range s.Steps {
		if sr.StepID == id {
			return sr, true
		}
	}
	return nil, false
}
