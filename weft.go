package weft

import (
	"context"
	"database/sql"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/persistence"
	"github.com/weftworks/weft/pkg/api"
	"github.com/weftworks/weft/pkg/sweeper"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = api.Engine
	Config             = api.Config
	WorkflowDefinition = api.WorkflowDefinition
	StepDefinition     = api.StepDefinition
	Edge               = api.Edge
	WorkflowRun        = api.WorkflowRun
	StepRun            = api.StepRun
	RunSnapshot        = api.RunSnapshot
	RunListOptions     = api.RunListOptions
	JobLogEntry        = api.JobLogEntry
	RunStatus          = api.RunStatus
	StepStatus         = api.StepStatus
	OnFailure          = api.OnFailure
	Capability         = api.Capability
	Input              = api.Input
	Output             = api.Output
	RetryPolicy        = api.RetryPolicy
	Failure            = api.Failure
	Observer           = api.Observer
	LoggingObserver    = api.LoggingObserver
	CompositeObserver  = api.CompositeObserver
	NoopObserver       = api.NoopObserver
	BasicMetrics       = api.BasicMetrics
)

// Re-export common observer helpers and failure constructors.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Transientf           = api.Transientf
	Permanentf           = api.Permanentf
	InvalidInputf        = api.InvalidInputf
	TransientErr         = api.TransientErr
	PermanentErr         = api.PermanentErr
)

// Re-export status and policy values for convenience.

const (
	RunPending         = api.RunPending
	RunRunning         = api.RunRunning
	RunSucceeded       = api.RunSucceeded
	RunFailed          = api.RunFailed
	RunPartiallyFailed = api.RunPartiallyFailed
	RunCancelled       = api.RunCancelled

	StepPending   = api.StepPending
	StepReady     = api.StepReady
	StepRunning   = api.StepRunning
	StepSucceeded = api.StepSucceeded
	StepFailed    = api.StepFailed
	StepRetrying  = api.StepRetrying
	StepSkipped   = api.StepSkipped
	StepCancelled = api.StepCancelled

	OnFailureAbortRun         = api.OnFailureAbortRun
	OnFailureSkipDependents   = api.OnFailureSkipDependents
	OnFailureContinueBranches = api.OnFailureContinueBranches
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. Nothing survives a restart; best for tests and examples.
func NewInMemoryEngine(cfg Config) Engine {
	return engine.NewInMemoryEngine(cfg)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with
// default config and the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngine(Config{Observer: obs})
}

// NewSQLiteEngine returns an Engine that persists definitions, runs,
// job logs and dedup records in a SQLite database. The schema is
// created on first use.
func NewSQLiteEngine(db *sql.DB, cfg Config) (Engine, error) {
	return engine.NewSQLiteEngine(db, cfg)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with
// default config and the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngine(db, Config{Observer: obs})
}

// NewPostgresEngine returns an Engine that persists state in
// PostgreSQL. The db handle is expected to use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, cfg Config) (Engine, error) {
	return engine.NewPostgresEngine(db, cfg)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with
// default config and the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewPostgresEngine(db, Config{Observer: obs})
}

// Sweeper constructors
// The retention sweeper shares the engine's database but runs
// independently of it; pair the constructor with the matching engine.

// NewSQLiteSweeper returns a retention sweeper over a SQLite database.
func NewSQLiteSweeper(db *sql.DB, cfg sweeper.Config) (*sweeper.Sweeper, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return sweeper.New(store, store, cfg), nil
}

// NewPostgresSweeper returns a retention sweeper over a PostgreSQL
// database.
func NewPostgresSweeper(db *sql.DB, cfg sweeper.Config) (*sweeper.Sweeper, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return sweeper.New(store, store, cfg), nil
}

// Convenience helpers that just forward to the underlying Engine.

// StartRun triggers a run of a published definition.
func StartRun(ctx context.Context, eng Engine, definitionID string, input map[string]any) (string, error) {
	return eng.StartRun(ctx, definitionID, input)
}

// CancelRun cooperatively cancels an active run.
func CancelRun(ctx context.Context, eng Engine, runID string) error {
	return eng.CancelRun(ctx, runID)
}

// GetRun fetches a run snapshot by ID.
func GetRun(ctx context.Context, eng Engine, runID string) (*RunSnapshot, error) {
	return eng.GetRun(ctx, runID)
}

// WaitForRun blocks until the run is terminal or ctx is done.
func WaitForRun(ctx context.Context, eng Engine, runID string) (*RunSnapshot, error) {
	return eng.WaitForRun(ctx, runID)
}
