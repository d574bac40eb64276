package api

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrRunNotActive is returned by CancelRun when the run is already
// terminal.
var ErrRunNotActive = errors.New("run is not active")

// StoreError wraps a persistence failure. The coordinator never applies
// a step transition without a confirmed persist; on a store error it
// halts dispatch for the affected run and leaves it visible as stalled.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// Config carries engine-wide tunables. Zero values fall back to the
// defaults documented on each field.
type Config struct {
	// WorkerPoolSize bounds concurrent step attempts across all active
	// runs in this process. Default 8.
	WorkerPoolSize int

	// DefaultStepTimeout bounds a single capability invocation when the
	// step definition does not set its own. Default 60s.
	DefaultStepTimeout time.Duration

	// DefaultMaxAttempts applies to steps without their own MaxAttempts.
	// Default 3.
	DefaultMaxAttempts int

	// DefaultRetry applies to steps without their own retry policy.
	// Default: 1s base, 1m cap.
	DefaultRetry RetryPolicy

	// RecoveryGrace is how long a step may sit in RUNNING with no live
	// worker before the recovery pass re-queues it. Default 5m.
	RecoveryGrace time.Duration

	// Observer receives lifecycle callbacks. Default NoopObserver.
	Observer Observer

	// Logger is used for engine-internal reporting (store errors,
	// recovery, sweeps). Default slog.Default().
	Logger *slog.Logger
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 8
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 60 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultRetry.BaseDelay <= 0 {
		c.DefaultRetry = RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = 5 * time.Minute
	}
	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RunListOptions filters ListRuns. Zero values mean "no filter".
type RunListOptions struct {
	DefinitionID string
	Status       RunStatus
}

// Engine is the execution engine's public surface: capability
// registration, definition publishing, and the run trigger interface.
type Engine interface {
	// Register binds a capability to a (module, action) pair.
	// Registration happens once at process start, before any run is
	// started; the registry is read-only thereafter.
	Register(module, action string, capability Capability) error

	// PublishDefinition validates and stores a workflow definition.
	// Definitions are immutable once published.
	PublishDefinition(ctx context.Context, def WorkflowDefinition) error

	// GetDefinition returns a published definition.
	GetDefinition(ctx context.Context, id string) (WorkflowDefinition, error)

	// StartRun creates a run for the definition and begins executing it
	// asynchronously. It returns the new run's ID.
	StartRun(ctx context.Context, definitionID string, input map[string]any) (string, error)

	// CancelRun cooperatively cancels an active run: no new steps are
	// scheduled, in-flight attempts are signaled, and the run ends
	// CANCELLED once they return.
	CancelRun(ctx context.Context, runID string) error

	// GetRun returns the run record plus all of its step runs.
	GetRun(ctx context.Context, runID string) (*RunSnapshot, error)

	// ListRuns returns runs matching the options.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*WorkflowRun, error)

	// WaitForRun blocks until the run reaches a terminal status or ctx
	// is done, then returns the final snapshot.
	WaitForRun(ctx context.Context, runID string) (*RunSnapshot, error)

	// ListJobLogs returns the append-only attempt log for a run.
	ListJobLogs(ctx context.Context, runID string) ([]*JobLogEntry, error)

	// RecoverAbandonedSteps re-queues steps left RUNNING with no live
	// worker for longer than the recovery grace period. It returns the
	// number of steps re-queued. Intended to be called on process start.
	RecoverAbandonedSteps(ctx context.Context) (int, error)

	// ResumeOpenRuns restarts coordination for runs that were active
	// when the previous process stopped. It returns the number of runs
	// resumed. Intended to be called on process start, after
	// RecoverAbandonedSteps.
	ResumeOpenRuns(ctx context.Context) (int, error)

	// Close stops accepting new runs, cancels active coordinators, and
	// waits for in-flight attempts to return.
	Close() error
}
