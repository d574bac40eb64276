package api

import (
	"fmt"
	"time"
)

// OnFailure selects how a step's terminal failure affects the rest of
// the run.
type OnFailure string

const (
	// OnFailureAbortRun cancels every step that has not finished yet and
	// ends the run as failed.
	OnFailureAbortRun OnFailure = "abort-run"

	// OnFailureSkipDependents marks the failed step's transitive
	// dependents as skipped; independent branches keep running.
	OnFailureSkipDependents OnFailure = "skip-dependents"

	// OnFailureContinueBranches leaves dependents to the scheduler: each
	// one is skipped once all of its dependencies are terminal and at
	// least one of them failed. Independent branches keep running.
	OnFailureContinueBranches OnFailure = "continue-independent-branches"
)

// Edge is a directed dependency between two steps: To depends on From.
type Edge struct {
	From string
	To   string
}

// StepDefinition describes one unit of work bound to a module capability.
type StepDefinition struct {
	// ID must be unique within the definition.
	ID string

	// Module and Action identify the capability to invoke.
	Module string
	Action string

	// Params is the static input template for the step. String values of
	// the form "{{input.key}}" or "{{steps.<id>.<key>}}" are rendered
	// from the run input / dependency outputs before dispatch.
	Params map[string]any

	// MaxAttempts includes the first attempt. Zero means "engine default".
	MaxAttempts int

	// Timeout bounds a single capability invocation. Zero means
	// "engine default".
	Timeout time.Duration

	// OnFailure defaults to OnFailureAbortRun when empty.
	OnFailure OnFailure

	// Retry overrides the engine's default retry policy for this step.
	Retry *RetryPolicy
}

// WorkflowDefinition is a static, immutable graph of steps and
// dependency edges. Once published it never changes.
type WorkflowDefinition struct {
	ID    string
	Steps []StepDefinition
	Edges []Edge
}

// ValidationError reports a malformed workflow definition. Definitions
// are validated at publish time; an invalid definition never reaches
// execution.
type ValidationError struct {
	DefinitionID string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition %q: %s", e.DefinitionID, e.Reason)
}

func (d WorkflowDefinition) invalid(format string, args ...any) error {
	return &ValidationError{DefinitionID: d.ID, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks structural invariants: non-empty ID, at least one
// step, unique step IDs, no dangling or self-referential edges, and an
// acyclic edge set.
func (d WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return d.invalid("definition ID is required")
	}
	if len(d.Steps) == 0 {
		return d.invalid("definition must have at least one step")
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return d.invalid("step ID must not be empty")
		}
		if ids[s.ID] {
			return d.invalid("duplicate step ID %q", s.ID)
		}
		if s.Module == "" || s.Action == "" {
			return d.invalid("step %q must name a module and action", s.ID)
		}
		switch s.OnFailure {
		case "", OnFailureAbortRun, OnFailureSkipDependents, OnFailureContinueBranches:
		default:
			return d.invalid("step %q has unknown onFailure policy %q", s.ID, s.OnFailure)
		}
		ids[s.ID] = true
	}

	for _, e := range d.Edges {
		if !ids[e.From] {
			return d.invalid("edge references unknown step %q", e.From)
		}
		if !ids[e.To] {
			return d.invalid("edge references unknown step %q", e.To)
		}
		if e.From == e.To {
			return d.invalid("step %q depends on itself", e.From)
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the edge set; any node left
// with a nonzero in-degree is part of a cycle.
func (d WorkflowDefinition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Steps))
	for _, s := range d.Steps {
		indegree[s.ID] = 0
	}
	for _, e := range d.Edges {
		indegree[e.To]++
	}

	var frontier []string
	for _, s := range d.Steps {
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, e := range d.Edges {
			if e.From != id {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				frontier = append(frontier, e.To)
			}
		}
	}

	if visited != len(d.Steps) {
		return d.invalid("edge set contains a cycle")
	}
	return nil
}

// Step returns the definition of the given step.
func (d WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// DependenciesOf returns the IDs of the steps the given step depends on.
func (d WorkflowDefinition) DependenciesOf(id string) []string {
	var deps []string
	for _, e := range d.Edges {
		if e.To == id {
			deps = append(deps, e.From)
		}
	}
	return deps
}

// DependentsOf returns the IDs of the steps that directly depend on the
// given step.
func (d WorkflowDefinition) DependentsOf(id string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// TransitiveDependentsOf returns every step reachable from the given
// step by following dependency edges forward.
func (d WorkflowDefinition) TransitiveDependentsOf(id string) []string {
	seen := make(map[string]bool)
	queue := d.DependentsOf(id)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, d.DependentsOf(next)...)
	}
	return out
}
