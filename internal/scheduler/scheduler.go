// Package scheduler computes which steps of a run are eligible for
// dispatch. Both functions are pure: they never mutate state, and for
// identical inputs they return identical, definition-ordered results,
// so scheduling is reproducible.
package scheduler

import "github.com/weftworks/weft/pkg/api"

// Ready returns the IDs of steps eligible for dispatch: steps that are
// PENDING and whose every dependency has SUCCEEDED. Results are in
// definition order.
func Ready(def api.WorkflowDefinition, steps map[string]*api.StepRun) []string {
	var ready []string
	for _, sd := range def.Steps {
		sr, ok := steps[sd.ID]
		if !ok || sr.Status != api.StepPending {
			continue
		}
		if dependenciesMet(def, sd.ID, steps) {
			ready = append(ready, sd.ID)
		}
	}
	return ready
}

func dependenciesMet(def api.WorkflowDefinition, stepID string, steps map[string]*api.StepRun) bool {
	for _, dep := range def.DependenciesOf(stepID) {
		sr, ok := steps[dep]
		if !ok || sr.Status != api.StepSucceeded {
			return false
		}
	}
	return true
}

// Skippable returns the IDs of PENDING steps that can never become
// ready: every dependency is terminal and at least one of them did not
// succeed. The coordinator marks these SKIPPED. Results are in
// definition order.
//
// Eagerly skipped dependents (the skip-dependents policy) never show up
// here because they are no longer PENDING; this function is what
// resolves dependents lazily under continue-independent-branches, and
// it also cascades skips through SKIPPED dependencies.
func Skippable(def api.WorkflowDefinition, steps map[string]*api.StepRun) []string {
	var skippable []string
	for _, sd := range def.Steps {
		sr, ok := steps[sd.ID]
		if !ok || sr.Status != api.StepPending {
			continue
		}

		allTerminal := true
		anyNotSucceeded := false
		for _, dep := range def.DependenciesOf(sd.ID) {
			dr, ok := steps[dep]
			if !ok || !dr.Status.Terminal() {
				allTerminal = false
				break
			}
			if dr.Status != api.StepSucceeded {
				anyNotSucceeded = true
			}
		}
		if allTerminal && anyNotSucceeded {
			skippable = append(skippable, sd.ID)
		}
	}
	return skippable
}
