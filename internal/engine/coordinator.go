package engine

import (
	"context"
	"time"

	"github.com/weftworks/weft/internal/scheduler"
	"github.com/weftworks/weft/pkg/api"
)

type eventKind int

const (
	attemptDone eventKind = iota
	retryDue
)

// stepEvent is posted to the coordinator by attempt goroutines and
// retry timers. The coordinator goroutine is the only writer of run and
// step state; everything else communicates through these events.
type stepEvent struct {
	kind    eventKind
	stepID  string
	attempt int

	// attemptDone fields.
	ran         bool // claim succeeded and the capability was invoked
	claimLost   bool // another coordinator owns the step
	storeFailed bool // a persist failed; the run must stall
	output      api.Output
	err         error
	duration    time.Duration
}

// coordinator owns one run's lifecycle: it pulls eligible steps from
// the scheduler, dispatches them to the shared worker pool, applies the
// retry policy, persists every transition, and decides the terminal
// outcome. Every transition is persisted before the next scheduling
// decision, so a crash never loses more than the in-flight attempts.
type coordinator struct {
	eng   *engineImpl
	def   api.WorkflowDefinition
	run   *api.WorkflowRun
	steps map[string]*api.StepRun

	events         chan stepEvent
	inflight       int
	pendingRetries int
	dispatched     map[string]bool
	retryTimers    map[string]*time.Timer

	cancelAttempts context.CancelFunc

	aborted   bool
	cancelled bool
	stalled   bool
}

func newCoordinator(eng *engineImpl, def api.WorkflowDefinition, run *api.WorkflowRun, steps []*api.StepRun) *coordinator {
	m := make(map[string]*api.StepRun, len(steps))
	for _, st := range steps {
		m[st.StepID] = st
	}
	return &coordinator{
		eng:         eng,
		def:         def,
		run:         run,
		steps:       m,
		events:      make(chan stepEvent, 2*len(steps)+8),
		dispatched:  make(map[string]bool),
		retryTimers: make(map[string]*time.Timer),
	}
}

func (c *coordinator) execute(ctx context.Context) {
	// Persists and observer callbacks must outlive run cancellation:
	// the CANCELLED statuses still have to reach the store.
	obsCtx := context.WithoutCancel(ctx)

	attemptsCtx, cancelAttempts := context.WithCancel(ctx)
	c.cancelAttempts = cancelAttempts
	defer cancelAttempts()

	if c.run.Status == api.RunPending {
		c.run.Status = api.RunRunning
		if err := c.eng.stores.Runs.UpdateRun(obsCtx, c.run); err != nil {
			c.stall("update run", err)
			return
		}
	}
	c.eng.observer.OnRunStart(obsCtx, c.run)

	// Resume path: re-arm timers for steps that were mid-backoff when
	// the previous process stopped.
	for _, sr := range c.steps {
		if sr.Status == api.StepRetrying {
			c.scheduleRetry(sr.StepID, time.Until(sr.NotBefore))
		}
	}

	doneCh := ctx.Done()
	for {
		if !c.cancelled && !c.aborted && !c.stalled {
			c.pump(obsCtx, attemptsCtx)
		}
		if c.finished() {
			break
		}

		// Steps RUNNING in the store with no worker in this process
		// belong to a dead or remote coordinator; watch the store until
		// the recovery pass re-queues them.
		var orphanPoll <-chan time.Time
		if !c.stalled && c.inflight == 0 && c.pendingRetries == 0 && c.hasOrphanRunning() {
			orphanPoll = time.After(c.orphanPollInterval())
		}

		select {
		case <-doneCh:
			doneCh = nil
			c.cancelled = true
			cancelAttempts()
			c.settleUnfinished(obsCtx)
		case ev := <-c.events:
			switch ev.kind {
			case attemptDone:
				c.handleAttemptDone(obsCtx, attemptsCtx, ev)
			case retryDue:
				c.handleRetryDue(obsCtx, attemptsCtx, ev)
			}
		case <-orphanPoll:
			c.refreshOrphans(obsCtx)
		}
	}

	c.finish(obsCtx)
}

// pump applies lazy skips and dispatches every step the scheduler deems
// ready, in definition order. Dispatch never exceeds the worker pool:
// attempt goroutines block on a pool slot before claiming their step.
func (c *coordinator) pump(obsCtx, attemptsCtx context.Context) {
	// Skips cascade (a skipped step terminalizes its dependents'
	// dependencies), so loop until a fixpoint.
	for {
		skippable := scheduler.Skippable(c.def, c.steps)
		if len(skippable) == 0 {
			break
		}
		for _, id := range skippable {
			c.markSkipped(obsCtx, id)
			if c.stalled {
				return
			}
		}
	}

	for _, id := range scheduler.Ready(c.def, c.steps) {
		claimed, err := c.eng.stores.Runs.ClaimStep(obsCtx, c.run.ID, id, api.StepPending, api.StepReady)
		if err != nil {
			c.stall("claim step", err)
			return
		}
		if !claimed {
			c.refreshStep(obsCtx, id)
			continue
		}
		c.steps[id].Status = api.StepReady
		c.dispatchStep(attemptsCtx, obsCtx, id)
	}

	// Steps already READY in the store (resume after restart, or
	// re-queued by recovery) that no local goroutine owns yet.
	for _, sd := range c.def.Steps {
		sr := c.steps[sd.ID]
		if sr.Status == api.StepReady && !c.dispatched[sd.ID] {
			c.dispatchStep(attemptsCtx, obsCtx, sd.ID)
		}
	}
}

func (c *coordinator) markSkipped(obsCtx context.Context, stepID string) {
	sr := c.steps[stepID]
	sr.Status = api.StepSkipped
	sr.FinishedAt = time.Now()
	if err := c.eng.stores.Runs.UpdateStep(obsCtx, sr); err != nil {
		c.stall("update step", err)
	}
}

func (c *coordinator) dispatchStep(attemptsCtx, obsCtx context.Context, stepID string) {
	sd, _ := c.def.Step(stepID)
	sr := c.steps[stepID]
	attempt := sr.Attempt + 1

	capFn, err := c.eng.registry.Resolve(sd.Module, sd.Action)
	if err != nil {
		// Registrations are checked at StartRun; hitting this means the
		// process resumed a run without re-registering its modules.
		c.failStepLocal(obsCtx, stepID, attempt, err)
		return
	}

	deps := c.dependencyOutputs(stepID)
	in := api.Input{
		RunID:        c.run.ID,
		StepID:       stepID,
		Attempt:      attempt,
		Params:       renderParams(sd.Params, c.run.Input, deps),
		Dependencies: deps,
	}

	c.dispatched[stepID] = true
	c.inflight++
	// Snapshot the step here: c.steps belongs to the coordinator
	// goroutine, and refreshStep rewrites it on claim losses.
	go c.runAttempt(attemptsCtx, obsCtx, sd, capFn, attempt, in, *sr)
}

// runAttempt executes one capability invocation on a worker slot. It
// runs in its own goroutine, works on its own copy of the step, and
// reports back via a single stepEvent.
func (c *coordinator) runAttempt(ctx, obsCtx context.Context, sd api.StepDefinition, capFn api.Capability, attempt int, in api.Input, st api.StepRun) {
	ev := stepEvent{kind: attemptDone, stepID: sd.ID, attempt: attempt}

	select {
	case c.eng.slots <- struct{}{}:
	case <-ctx.Done():
		ev.err = ctx.Err()
		c.events <- ev
		return
	}
	defer func() { <-c.eng.slots }()

	claimed, err := c.eng.stores.Runs.ClaimStep(obsCtx, c.run.ID, sd.ID, api.StepReady, api.StepRunning)
	if err != nil {
		ev.storeFailed = true
		ev.err = &api.StoreError{Op: "claim step", Err: err}
		c.events <- ev
		return
	}
	if !claimed {
		ev.claimLost = true
		c.events <- ev
		return
	}

	c.eng.markLive(c.run.ID, sd.ID)
	defer c.eng.unmarkLive(c.run.ID, sd.ID)

	st.Status = api.StepRunning
	st.Attempt = attempt
	st.StartedAt = time.Now()
	st.NotBefore = time.Time{}
	if err := c.eng.stores.Runs.UpdateStep(obsCtx, &st); err != nil {
		ev.storeFailed = true
		ev.err = &api.StoreError{Op: "update step", Err: err}
		c.events <- ev
		return
	}

	c.eng.observer.OnStepStart(obsCtx, c.run, sd.ID, attempt)

	timeout := sd.Timeout
	if timeout <= 0 {
		timeout = c.eng.cfg.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	stepCtx = api.WithDedup(stepCtx, c.eng.stores.Dedup)

	start := time.Now()
	out, err := capFn(stepCtx, in)
	cancel()
	duration := time.Since(start)

	c.eng.observer.OnStepFinished(obsCtx, c.run, sd.ID, attempt, err, duration)

	ev.ran = true
	ev.output = out
	ev.err = err
	ev.duration = duration
	c.events <- ev
}

func (c *coordinator) handleAttemptDone(obsCtx, attemptsCtx context.Context, ev stepEvent) {
	c.inflight--
	delete(c.dispatched, ev.stepID)
	sr := c.steps[ev.stepID]
	now := time.Now()

	if ev.storeFailed {
		c.stall("persist attempt", ev.err)
		return
	}
	if ev.claimLost {
		c.eng.logger.Warn("lost step claim",
			"run_id", c.run.ID, "step", ev.stepID)
		c.refreshStep(obsCtx, ev.stepID)
		return
	}
	if !ev.ran {
		// Cancelled while waiting for a worker slot; no attempt happened.
		if !sr.Status.Terminal() {
			sr.Status = api.StepCancelled
			sr.FinishedAt = now
			c.persistStep(obsCtx, sr)
		}
		return
	}

	sr.Attempt = ev.attempt

	if ev.err == nil {
		sr.Status = api.StepSucceeded
		sr.Output = ev.output
		sr.LastError = ""
		sr.FinishedAt = now
		c.persistStep(obsCtx, sr)
		c.appendLog(obsCtx, ev, api.StepSucceeded, "")
		return
	}

	errMsg := ev.err.Error()

	if c.cancelled || c.aborted {
		// The attempt was signaled; its abort is not a step failure.
		sr.Status = api.StepCancelled
		sr.LastError = errMsg
		sr.FinishedAt = now
		c.persistStep(obsCtx, sr)
		c.appendLog(obsCtx, ev, api.StepCancelled, errMsg)
		return
	}

	sd, _ := c.def.Step(ev.stepID)
	kind := api.FailureKindOf(ev.err)

	if kind == api.FailureTransient && ev.attempt < c.maxAttempts(sd) {
		delay := c.retryPolicy(sd).NextDelay(ev.attempt)
		sr.Status = api.StepRetrying
		sr.LastError = errMsg
		sr.NotBefore = now.Add(delay)
		c.persistStep(obsCtx, sr)
		c.appendLog(obsCtx, ev, api.StepRetrying, errMsg)
		c.eng.observer.OnStepRetry(obsCtx, c.run, ev.stepID, ev.attempt, delay)
		c.scheduleRetry(ev.stepID, delay)
		return
	}

	sr.Status = api.StepFailed
	sr.LastError = errMsg
	sr.FinishedAt = now
	c.persistStep(obsCtx, sr)
	c.appendLog(obsCtx, ev, api.StepFailed, errMsg)
	if c.stalled {
		return
	}
	c.applyFailurePolicy(obsCtx, sd)
}

// failStepLocal marks a step failed without an attempt ever reaching a
// worker (unresolvable capability on resume).
func (c *coordinator) failStepLocal(obsCtx context.Context, stepID string, attempt int, err error) {
	sr := c.steps[stepID]
	sr.Status = api.StepFailed
	sr.Attempt = attempt
	sr.LastError = err.Error()
	sr.FinishedAt = time.Now()
	c.persistStep(obsCtx, sr)
	c.appendLog(obsCtx, stepEvent{stepID: stepID, attempt: attempt}, api.StepFailed, sr.LastError)
	if c.stalled {
		return
	}
	sd, _ := c.def.Step(stepID)
	c.applyFailurePolicy(obsCtx, sd)
}

func (c *coordinator) applyFailurePolicy(obsCtx context.Context, sd api.StepDefinition) {
	switch sd.OnFailure {
	case api.OnFailureSkipDependents:
		for _, id := range c.def.TransitiveDependentsOf(sd.ID) {
			dep := c.steps[id]
			if dep.Status == api.StepPending {
				c.markSkipped(obsCtx, id)
				if c.stalled {
					return
				}
			}
		}
	case api.OnFailureContinueBranches:
		// Dependents resolve lazily through the scheduler's skippable set.
	default: // abort-run
		c.abort(obsCtx)
	}
}

// abort cancels everything that has not finished: queued steps are
// cancelled in the store, in-flight attempts are signaled. An attempt
// already committed to an external call may still complete and is
// logged normally.
func (c *coordinator) abort(obsCtx context.Context) {
	c.aborted = true
	c.cancelAttempts()
	c.settleUnfinished(obsCtx)
}

// settleUnfinished moves every step that will no longer run to
// CANCELLED and drops pending retry timers. In-flight attempts report
// back through their events and are settled there.
func (c *coordinator) settleUnfinished(obsCtx context.Context) {
	for _, sd := range c.def.Steps {
		sr := c.steps[sd.ID]
		switch sr.Status {
		case api.StepPending:
			sr.Status = api.StepCancelled
			sr.FinishedAt = time.Now()
			c.persistStep(obsCtx, sr)
		case api.StepReady:
			if c.dispatched[sd.ID] {
				// A goroutine owns it; it settles via its event.
				continue
			}
			claimed, err := c.eng.stores.Runs.ClaimStep(obsCtx, c.run.ID, sd.ID, api.StepReady, api.StepCancelled)
			if err != nil {
				c.stall("claim step", err)
				return
			}
			if claimed {
				sr.Status = api.StepCancelled
				sr.FinishedAt = time.Now()
				c.persistStep(obsCtx, sr)
			}
		case api.StepRetrying:
			if t, ok := c.retryTimers[sd.ID]; ok && t.Stop() {
				c.pendingRetries--
				delete(c.retryTimers, sd.ID)
			}
			sr.Status = api.StepCancelled
			sr.FinishedAt = time.Now()
			c.persistStep(obsCtx, sr)
		}
		if c.stalled {
			return
		}
	}
}

func (c *coordinator) scheduleRetry(stepID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	c.pendingRetries++
	// The timer posts back to the loop; the delay holds no worker slot.
	c.retryTimers[stepID] = time.AfterFunc(delay, func() {
		c.events <- stepEvent{kind: retryDue, stepID: stepID}
	})
}

func (c *coordinator) handleRetryDue(obsCtx, attemptsCtx context.Context, ev stepEvent) {
	c.pendingRetries--
	delete(c.retryTimers, ev.stepID)
	sr := c.steps[ev.stepID]

	if c.stalled {
		return
	}
	if c.cancelled || c.aborted {
		if sr.Status == api.StepRetrying {
			sr.Status = api.StepCancelled
			sr.FinishedAt = time.Now()
			c.persistStep(obsCtx, sr)
		}
		return
	}

	claimed, err := c.eng.stores.Runs.ClaimStep(obsCtx, c.run.ID, ev.stepID, api.StepRetrying, api.StepReady)
	if err != nil {
		c.stall("claim step", err)
		return
	}
	if !claimed {
		c.refreshStep(obsCtx, ev.stepID)
		return
	}
	sr.Status = api.StepReady
	sr.NotBefore = time.Time{}
	c.dispatchStep(attemptsCtx, obsCtx, ev.stepID)
}

// finished reports whether the run has nothing left to do: no step is
// pending, ready, running, or retrying, and no attempt or timer is
// outstanding.
func (c *coordinator) finished() bool {
	if c.inflight > 0 || c.pendingRetries > 0 {
		return false
	}
	if c.stalled {
		return true
	}
	for _, sr := range c.steps {
		switch sr.Status {
		case api.StepPending, api.StepReady, api.StepRunning, api.StepRetrying:
			return false
		}
	}
	return true
}

func (c *coordinator) hasOrphanRunning() bool {
	for _, sr := range c.steps {
		if sr.Status == api.StepRunning && !c.dispatched[sr.StepID] {
			return true
		}
	}
	return false
}

func (c *coordinator) orphanPollInterval() time.Duration {
	interval := c.eng.cfg.RecoveryGrace / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

func (c *coordinator) refreshOrphans(obsCtx context.Context) {
	for _, sr := range c.steps {
		if sr.Status == api.StepRunning && !c.dispatched[sr.StepID] {
			c.refreshStep(obsCtx, sr.StepID)
		}
	}
}

// refreshStep replaces the local view of a step with the stored one.
// Used when another coordinator won a claim.
func (c *coordinator) refreshStep(obsCtx context.Context, stepID string) {
	st, err := c.eng.stores.Runs.GetStep(obsCtx, c.run.ID, stepID)
	if err != nil {
		c.stall("get step", err)
		return
	}
	c.steps[stepID] = st
}

func (c *coordinator) persistStep(obsCtx context.Context, sr *api.StepRun) {
	if err := c.eng.stores.Runs.UpdateStep(obsCtx, sr); err != nil {
		c.stall("update step", err)
	}
}

func (c *coordinator) appendLog(obsCtx context.Context, ev stepEvent, outcome api.StepStatus, errMsg string) {
	entry := &api.JobLogEntry{
		RunID:     c.run.ID,
		StepID:    ev.stepID,
		Attempt:   ev.attempt,
		Outcome:   outcome,
		Error:     errMsg,
		Duration:  ev.duration,
		CreatedAt: time.Now(),
	}
	if err := c.eng.stores.Logs.AppendJobLog(obsCtx, entry); err != nil {
		// The attempt's transition is already durable; a lost audit row
		// is reported but does not stall the run.
		c.eng.logger.Warn("append job log failed",
			"run_id", c.run.ID, "step", ev.stepID, "error", err)
	}
}

// stall halts dispatch for this run after a persistence failure. The
// run stays non-terminal in the store and is surfaced as stalled; no
// transition is applied without a confirmed persist.
func (c *coordinator) stall(op string, err error) {
	if c.stalled {
		return
	}
	c.stalled = true
	c.cancelAttempts()
	c.eng.logger.Error("run stalled: persistence unavailable",
		"run_id", c.run.ID, "op", op, "error", err)
}

// finish computes and persists the run's terminal status.
func (c *coordinator) finish(obsCtx context.Context) {
	if c.stalled {
		return
	}

	status := api.RunSucceeded
	switch {
	case c.cancelled:
		status = api.RunCancelled
	case c.aborted:
		status = api.RunFailed
	default:
		for _, sr := range c.steps {
			if sr.Status == api.StepFailed {
				status = api.RunPartiallyFailed
				break
			}
		}
	}

	c.run.Status = status
	c.run.CompletedAt = time.Now()
	if err := c.eng.stores.Runs.UpdateRun(obsCtx, c.run); err != nil {
		c.eng.logger.Error("persist terminal run status failed",
			"run_id", c.run.ID, "status", string(status), "error", err)
		return
	}
	c.eng.observer.OnRunFinished(obsCtx, c.run)
}

func (c *coordinator) maxAttempts(sd api.StepDefinition) int {
	if sd.MaxAttempts > 0 {
		return sd.MaxAttempts
	}
	return c.eng.cfg.DefaultMaxAttempts
}

func (c *coordinator) retryPolicy(sd api.StepDefinition) api.RetryPolicy {
	if sd.Retry != nil {
		return *sd.Retry
	}
	return c.eng.cfg.DefaultRetry
}

func (c *coordinator) dependencyOutputs(stepID string) map[string]map[string]any {
	deps := c.def.DependenciesOf(stepID)
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(deps))
	for _, dep := range deps {
		out[dep] = c.steps[dep].Output
	}
	return out
}
