package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called once when a run transitions to RUNNING.
	OnRunStart(ctx context.Context, run *WorkflowRun)

	// OnRunFinished is called when a run reaches any terminal status.
	OnRunFinished(ctx context.Context, run *WorkflowRun)

	// OnStepStart is called before a capability invocation.
	OnStepStart(ctx context.Context, run *WorkflowRun, stepID string, attempt int)

	// OnStepFinished is called after a capability returns, for both
	// successes and failures (err != nil).
	OnStepFinished(ctx context.Context, run *WorkflowRun, stepID string, attempt int, err error, duration time.Duration)

	// OnStepRetry is called when a transient failure schedules a
	// re-dispatch after the given delay.
	OnStepRetry(ctx context.Context, run *WorkflowRun, stepID string, attempt int, delay time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *WorkflowRun)    {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {}
func (NoopObserver) OnStepStart(ctx context.Context, run *WorkflowRun, stepID string, attempt int) {
}
func (NoopObserver) OnStepFinished(ctx context.Context, run *WorkflowRun, stepID string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnStepRetry(ctx context.Context, run *WorkflowRun, stepID string, attempt int, delay time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *WorkflowRun, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, attempt)
	}
}

func (c *CompositeObserver) OnStepFinished(ctx context.Context, run *WorkflowRun, stepID string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepFinished(ctx, run, stepID, attempt, err, d)
	}
}

func (c *CompositeObserver) OnStepRetry(ctx context.Context, run *WorkflowRun, stepID string, attempt int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnStepRetry(ctx, run, stepID, attempt, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("definition", run.DefinitionID),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	level := slog.LevelInfo
	if run.Status == RunFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "run_finished",
		slog.String("definition", run.DefinitionID),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *WorkflowRun, stepID string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepFinished(ctx context.Context, run *WorkflowRun, stepID string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_finished",
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepRetry(ctx context.Context, run *WorkflowRun, stepID string, attempt int, delay time.Duration) {
	o.Logger.WarnContext(ctx, "step_retry",
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate attempt durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted      atomic.Int64
	runsFinished     atomic.Int64
	runsFailed       atomic.Int64
	attemptsFinished atomic.Int64
	attemptsRetried  atomic.Int64
	totalAttemptTime atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted  int64
	RunsFinished int64
	RunsFailed   int64
	ActiveRuns   int64

	AttemptsFinished   int64
	AttemptsRetried    int64
	AvgAttemptDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *WorkflowRun) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	m.runsFinished.Add(1)
	if run.Status == RunFailed {
		m.runsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnStepFinished(ctx context.Context, run *WorkflowRun, stepID string, attempt int, err error, d time.Duration) {
	m.attemptsFinished.Add(1)
	m.totalAttemptTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepRetry(ctx context.Context, run *WorkflowRun, stepID string, attempt int, delay time.Duration) {
	m.attemptsRetried.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	finished := m.runsFinished.Load()
	attempts := m.attemptsFinished.Load()
	totalNs := m.totalAttemptTime.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		RunsStarted:        started,
		RunsFinished:       finished,
		RunsFailed:         m.runsFailed.Load(),
		ActiveRuns:         started - finished,
		AttemptsFinished:   attempts,
		AttemptsRetried:    m.attemptsRetried.Load(),
		AvgAttemptDuration: avg,
	}
}
