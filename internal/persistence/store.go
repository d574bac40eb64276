package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition is not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrDefinitionExists is returned when publishing a definition ID twice.
	// Definitions are immutable once published.
	ErrDefinitionExists = errors.New("workflow definition already published")

	// ErrRunNotFound is returned when a workflow run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound is returned when a step run is not found.
	ErrStepNotFound = errors.New("step run not found")
)

// DefinitionStore handles storage of workflow definitions.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error)
}

// RunFilter selects runs from the store. Empty fields mean "no filter".
type RunFilter struct {
	DefinitionID string
	Status       api.RunStatus
}

// RunStore handles storage of workflow runs and their step runs.
//
// ClaimStep is the one atomic operation every backend must provide with
// equivalent semantics: a conditional status transition that succeeds
// for exactly one caller, so there is at most one active attempt per
// step even with multiple coordinator processes.
type RunStore interface {
	// CreateRun stores a new run together with its initial step runs.
	CreateRun(ctx context.Context, run *api.WorkflowRun, steps []*api.StepRun) error
	UpdateRun(ctx context.Context, run *api.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*api.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error)

	UpdateStep(ctx context.Context, step *api.StepRun) error
	GetStep(ctx context.Context, runID, stepID string) (*api.StepRun, error)
	// ListSteps returns the run's step runs in creation (definition) order.
	ListSteps(ctx context.Context, runID string) ([]*api.StepRun, error)
	// ListStepsByStatus returns step runs in the given status across all
	// runs. Used by the recovery pass to find abandoned RUNNING steps.
	ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.StepRun, error)

	// ClaimStep atomically moves a step from one status to another.
	// It returns claimed=false, err=nil when the step was not in the
	// expected status (someone else claimed it, or it already moved on).
	ClaimStep(ctx context.Context, runID, stepID string, from, to api.StepStatus) (claimed bool, err error)

	// DeleteRun removes a run and cascades to its step runs. Job logs
	// are retained independently until their own window elapses.
	DeleteRun(ctx context.Context, runID string) error
}

// LogStore handles the append-only job log.
type LogStore interface {
	AppendJobLog(ctx context.Context, entry *api.JobLogEntry) error
	ListJobLogs(ctx context.Context, runID string) ([]*api.JobLogEntry, error)
	// DeleteJobLogsBefore removes entries strictly older than cutoff and
	// returns the number deleted.
	DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DedupStore handles dedup fingerprints. It extends the capability-facing
// api.DedupStore with the sweeper's deletion operation.
type DedupStore interface {
	api.DedupStore
	// DeleteDedupBefore removes records strictly older than cutoff and
	// returns the number deleted.
	DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stores bundles the store interfaces an engine needs. All four may be
// backed by the same object.
type Stores struct {
	Definitions DefinitionStore
	Runs        RunStore
	Logs        LogStore
	Dedup       DedupStore
}
