package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/persistence"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/pkg/api"
)

// engineImpl is the execution coordinator host: it owns the shared
// worker pool, the capability registry, and one coordinator goroutine
// per active run.
type engineImpl struct {
	cfg      api.Config
	stores   persistence.Stores
	registry *registry.Registry
	observer api.Observer
	logger   *slog.Logger

	// slots bounds concurrent step attempts across all active runs.
	slots chan struct{}

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]*runHandle
	// liveClaims tracks steps currently claimed by this process, keyed
	// by runID+"/"+stepID. The recovery pass never re-queues a step with
	// a live local worker.
	liveClaims map[string]bool
	closed     bool
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInMemoryEngine returns an Engine backed entirely by an in-memory
// store. Not durable; intended for tests and development.
func NewInMemoryEngine(cfg api.Config) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngine(persistence.Stores{
		Definitions: mem,
		Runs:        mem,
		Logs:        mem,
		Dedup:       mem,
	}, cfg)
}

// NewSQLiteEngine returns an Engine that persists all run state in a
// SQLite database (embedded single-file backend).
func NewSQLiteEngine(db *sql.DB, cfg api.Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Stores{
		Definitions: store,
		Runs:        store,
		Logs:        store,
		Dedup:       store,
	}, cfg), nil
}

// NewPostgresEngine returns an Engine that persists all run state in
// PostgreSQL (client/server backend).
func NewPostgresEngine(db *sql.DB, cfg api.Config) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Stores{
		Definitions: store,
		Runs:        store,
		Logs:        store,
		Dedup:       store,
	}, cfg), nil
}

// NewEngine builds an engine on top of the given stores. Backend choice
// happens here, at construction, not at call sites.
func NewEngine(stores persistence.Stores, cfg api.Config) api.Engine {
	cfg = cfg.WithDefaults()
	ctx, stop := context.WithCancel(context.Background())
	return &engineImpl{
		cfg:        cfg,
		stores:     stores,
		registry:   registry.New(),
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		slots:      make(chan struct{}, cfg.WorkerPoolSize),
		baseCtx:    ctx,
		baseStop:   stop,
		active:     make(map[string]*runHandle),
		liveClaims: make(map[string]bool),
	}
}

func (e *engineImpl) Register(module, action string, capFn api.Capability) error {
	return e.registry.Register(module, action, capFn)
}

func (e *engineImpl) PublishDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := e.stores.Definitions.SaveDefinition(ctx, def); err != nil {
		if errors.Is(err, persistence.ErrDefinitionExists) {
			return fmt.Errorf("definition %q: %w", def.ID, err)
		}
		return &api.StoreError{Op: "save definition", Err: err}
	}
	return nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	def, err := e.stores.Definitions.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return api.WorkflowDefinition{}, fmt.Errorf("unknown definition: %s", id)
		}
		return api.WorkflowDefinition{}, &api.StoreError{Op: "get definition", Err: err}
	}
	return def, nil
}

func (e *engineImpl) StartRun(ctx context.Context, definitionID string, input map[string]any) (string, error) {
	def, err := e.GetDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}

	// Every capability a run needs must resolve before the run exists;
	// a missing registration is a caller error, not a step failure.
	for _, sd := range def.Steps {
		if _, err := e.registry.Resolve(sd.Module, sd.Action); err != nil {
			return "", err
		}
	}

	run := &api.WorkflowRun{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		Status:       api.RunPending,
		Input:        input,
		CreatedAt:    time.Now(),
	}
	steps := make([]*api.StepRun, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = &api.StepRun{
			RunID:  run.ID,
			StepID: sd.ID,
			Status: api.StepPending,
		}
	}

	if err := e.stores.Runs.CreateRun(ctx, run, steps); err != nil {
		return "", &api.StoreError{Op: "create run", Err: err}
	}

	if err := e.launch(def, run, steps); err != nil {
		return "", err
	}
	return run.ID, nil
}

// launch starts a coordinator goroutine for the run. The coordinator
// runs on the engine's base context, not the caller's: StartRun returns
// immediately and the run keeps executing.
func (e *engineImpl) launch(def api.WorkflowDefinition, run *api.WorkflowRun, steps []*api.StepRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("engine is closed")
	}
	if _, exists := e.active[run.ID]; exists {
		return nil
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.active[run.ID] = handle

	c := newCoordinator(e, def, run, steps)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(handle.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			cancel()
		}()
		c.execute(runCtx)
	}()
	return nil
}

func (e *engineImpl) CancelRun(ctx context.Context, runID string) error {
	run, err := e.stores.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return fmt.Errorf("run not found: %s", runID)
		}
		return &api.StoreError{Op: "get run", Err: err}
	}
	if run.Status.Terminal() {
		return api.ErrRunNotActive
	}

	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		// The coordinator persists the CANCELLED statuses on its way out.
		handle.cancel()
		return nil
	}

	// No live coordinator in this process (for example after a crash):
	// settle the stored state directly.
	steps, err := e.stores.Runs.ListSteps(ctx, runID)
	if err != nil {
		return &api.StoreError{Op: "list steps", Err: err}
	}
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		// Claim each step out of its observed status so a remote
		// coordinator's concurrent transition is never overwritten; a
		// lost claim means the step moved on and is left alone.
		claimed, err := e.stores.Runs.ClaimStep(ctx, runID, st.StepID, st.Status, api.StepCancelled)
		if err != nil {
			return &api.StoreError{Op: "claim step", Err: err}
		}
		if !claimed {
			continue
		}
		st.Status = api.StepCancelled
		st.FinishedAt = time.Now()
		if err := e.stores.Runs.UpdateStep(ctx, st); err != nil {
			return &api.StoreError{Op: "update step", Err: err}
		}
	}
	run.Status = api.RunCancelled
	run.CompletedAt = time.Now()
	if err := e.stores.Runs.UpdateRun(ctx, run); err != nil {
		return &api.StoreError{Op: "update run", Err: err}
	}
	e.observer.OnRunFinished(ctx, run)
	return nil
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	run, err := e.stores.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
		return nil, &api.StoreError{Op: "get run", Err: err}
	}
	steps, err := e.stores.Runs.ListSteps(ctx, runID)
	if err != nil {
		return nil, &api.StoreError{Op: "list steps", Err: err}
	}
	return &api.RunSnapshot{Run: run, Steps: steps}, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	runs, err := e.stores.Runs.ListRuns(ctx, persistence.RunFilter{
		DefinitionID: opts.DefinitionID,
		Status:       opts.Status,
	})
	if err != nil {
		return nil, &api.StoreError{Op: "list runs", Err: err}
	}
	return runs, nil
}

func (e *engineImpl) WaitForRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()

	if ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-handle.done:
		}
		return e.GetRun(ctx, runID)
	}

	// No local coordinator: poll the store until the run is terminal.
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := e.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if snap.Run.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *engineImpl) ListJobLogs(ctx context.Context, runID string) ([]*api.JobLogEntry, error) {
	entries, err := e.stores.Logs.ListJobLogs(ctx, runID)
	if err != nil {
		return nil, &api.StoreError{Op: "list job logs", Err: err}
	}
	return entries, nil
}

func (e *engineImpl) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.baseStop()
	e.wg.Wait()
	return nil
}

// claimKey identifies a step attempt owned by this process.
func claimKey(runID, stepID string) string { return runID + "/" + stepID }

func (e *engineImpl) markLive(runID, stepID string) {
	e.mu.Lock()
	e.liveClaims[claimKey(runID, stepID)] = true
	e.mu.Unlock()
}

func (e *engineImpl) unmarkLive(runID, stepID string) {
	e.mu.Lock()
	delete(e.liveClaims, claimKey(runID, stepID))
	e.mu.Unlock()
}

func (e *engineImpl) isLive(runID, stepID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveClaims[claimKey(runID, stepID)]
}
