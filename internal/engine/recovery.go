package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/weft/internal/persistence"
	"github.com/weftworks/weft/pkg/api"
)

// RecoverAbandonedSteps re-queues steps stuck in RUNNING with no live
// worker. A step claimed by this process is never touched; anything
// else still RUNNING past the grace period was abandoned by a dead
// process and goes back to READY for re-dispatch. The Ready transition
// goes through the same claim CAS as dispatch, so concurrent recovery
// passes re-queue each step exactly once.
//
// Re-dispatch makes step execution at-least-once: capabilities must be
// idempotent or dedup via the dedup store.
func (e *engineImpl) RecoverAbandonedSteps(ctx context.Context) (int, error) {
	running, err := e.stores.Runs.ListStepsByStatus(ctx, api.StepRunning)
	if err != nil {
		return 0, &api.StoreError{Op: "list running steps", Err: err}
	}

	cutoff := time.Now().Add(-e.cfg.RecoveryGrace)
	recovered := 0
	for _, st := range running {
		if e.isLive(st.RunID, st.StepID) {
			continue
		}
		if !st.StartedAt.Before(cutoff) {
			continue
		}

		claimed, err := e.stores.Runs.ClaimStep(ctx, st.RunID, st.StepID, api.StepRunning, api.StepReady)
		if err != nil {
			return recovered, &api.StoreError{Op: "requeue step", Err: err}
		}
		if !claimed {
			// Finished or re-queued by someone else in the meantime.
			continue
		}
		recovered++
		e.logger.Info("re-queued abandoned step",
			"run_id", st.RunID, "step", st.StepID, "attempt", st.Attempt)
	}
	return recovered, nil
}

// ResumeOpenRuns restarts coordination for runs that were PENDING or
// RUNNING when the previous process stopped. Call it on startup, after
// RecoverAbandonedSteps and after re-registering every module.
func (e *engineImpl) ResumeOpenRuns(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []api.RunStatus{api.RunPending, api.RunRunning} {
		runs, err := e.stores.Runs.ListRuns(ctx, persistence.RunFilter{Status: status})
		if err != nil {
			return resumed, &api.StoreError{Op: "list runs", Err: err}
		}
		for _, run := range runs {
			e.mu.Lock()
			_, alreadyActive := e.active[run.ID]
			e.mu.Unlock()
			if alreadyActive {
				continue
			}

			def, err := e.GetDefinition(ctx, run.DefinitionID)
			if err != nil {
				e.logger.Error("cannot resume run: definition missing",
					"run_id", run.ID, "definition", run.DefinitionID, "error", err)
				continue
			}
			steps, err := e.stores.Runs.ListSteps(ctx, run.ID)
			if err != nil {
				return resumed, &api.StoreError{Op: "list steps", Err: err}
			}
			if err := e.launch(def, run, steps); err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return resumed, ctx.Err()
				}
				return resumed, err
			}
			resumed++
		}
	}
	return resumed, nil
}
