package persistence

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/weftworks/weft/pkg/api"
)

// fullStore is what every backend implements; the conformance suite
// below runs against each backend so they stay behaviorally identical.
type fullStore interface {
	DefinitionStore
	RunStore
	LogStore
	DedupStore
}

func testBackends(t *testing.T) map[string]fullStore {
	t.Helper()
	backends := map[string]fullStore{
		"memory": NewInMemoryStore(),
	}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "weft.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLiteStore(db)
	require.NoError(t, err)
	backends["sqlite"] = sqlite

	if dsn := os.Getenv("WEFT_POSTGRES_DSN"); dsn != "" {
		pdb, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { pdb.Close() })
		pg, err := NewPostgresStore(pdb)
		require.NoError(t, err)
		// Shared database: start every test from a clean slate.
		for _, tbl := range []string{"step_runs", "runs", "definitions", "job_logs", "dedup_records"} {
			_, err := pdb.Exec("DELETE FROM " + tbl)
			require.NoError(t, err)
		}
		backends["postgres"] = pg
	}

	return backends
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store fullStore)) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) { fn(t, store) })
	}
}

func sampleDefinition(id string) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID: id,
		Steps: []api.StepDefinition{
			{ID: "first", Module: "m", Action: "x", Params: map[string]any{"key": "{{input.key}}"}},
			{ID: "second", Module: "m", Action: "y", OnFailure: api.OnFailureSkipDependents},
		},
		Edges: []api.Edge{{From: "first", To: "second"}},
	}
}

func createSampleRun(t *testing.T, store fullStore, runID, defID string) []*api.StepRun {
	t.Helper()
	run := &api.WorkflowRun{
		ID:           runID,
		DefinitionID: defID,
		Status:       api.RunPending,
		Input:        map[string]any{"key": "value"},
		CreatedAt:    time.Now(),
	}
	steps := []*api.StepRun{
		{RunID: runID, StepID: "first", Status: api.StepPending},
		{RunID: runID, StepID: "second", Status: api.StepPending},
		{RunID: runID, StepID: "third", Status: api.StepPending},
	}
	require.NoError(t, store.CreateRun(context.Background(), run, steps))
	return steps
}

func TestStore_Definitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		def := sampleDefinition("wf-1")

		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "wf-1")
		require.NoError(t, err)
		require.Equal(t, def.ID, got.ID)
		require.Len(t, got.Steps, 2)
		require.Equal(t, "first", got.Steps[0].ID)
		require.Equal(t, "{{input.key}}", got.Steps[0].Params["key"])
		require.Equal(t, api.OnFailureSkipDependents, got.Steps[1].OnFailure)
		require.Equal(t, def.Edges, got.Edges)

		// Definitions are immutable: publishing the same ID again fails.
		err = store.SaveDefinition(ctx, def)
		require.ErrorIs(t, err, ErrDefinitionExists)

		_, err = store.GetDefinition(ctx, "ghost")
		require.ErrorIs(t, err, ErrDefinitionNotFound)
	})
}

func TestStore_RunLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-1", "wf-1")

		got, err := store.GetRun(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, api.RunPending, got.Status)
		require.Equal(t, "value", got.Input["key"])
		require.False(t, got.CreatedAt.IsZero())
		require.True(t, got.CompletedAt.IsZero())

		got.Status = api.RunSucceeded
		got.CompletedAt = time.Now()
		require.NoError(t, store.UpdateRun(ctx, got))

		updated, err := store.GetRun(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, api.RunSucceeded, updated.Status)
		require.WithinDuration(t, got.CompletedAt, updated.CompletedAt, time.Microsecond)

		_, err = store.GetRun(ctx, "ghost")
		require.ErrorIs(t, err, ErrRunNotFound)
		require.ErrorIs(t, store.UpdateRun(ctx, &api.WorkflowRun{ID: "ghost"}), ErrRunNotFound)
	})
}

func TestStore_ListRunsFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-a", "wf-1")
		createSampleRun(t, store, "run-b", "wf-1")
		createSampleRun(t, store, "run-c", "wf-2")

		runB, err := store.GetRun(ctx, "run-b")
		require.NoError(t, err)
		runB.Status = api.RunRunning
		require.NoError(t, store.UpdateRun(ctx, runB))

		all, err := store.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		byDef, err := store.ListRuns(ctx, RunFilter{DefinitionID: "wf-1"})
		require.NoError(t, err)
		require.Len(t, byDef, 2)

		byStatus, err := store.ListRuns(ctx, RunFilter{Status: api.RunRunning})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		require.Equal(t, "run-b", byStatus[0].ID)

		both, err := store.ListRuns(ctx, RunFilter{DefinitionID: "wf-2", Status: api.RunRunning})
		require.NoError(t, err)
		require.Empty(t, both)
	})
}

func TestStore_Steps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-1", "wf-1")

		steps, err := store.ListSteps(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, steps, 3)
		// Definition order is preserved.
		require.Equal(t, "first", steps[0].StepID)
		require.Equal(t, "second", steps[1].StepID)
		require.Equal(t, "third", steps[2].StepID)

		st := steps[0]
		st.Status = api.StepSucceeded
		st.Attempt = 2
		st.Output = map[string]any{"email": "ada@example.com"}
		st.StartedAt = time.Now().Add(-time.Second)
		st.FinishedAt = time.Now()
		require.NoError(t, store.UpdateStep(ctx, st))

		got, err := store.GetStep(ctx, "run-1", "first")
		require.NoError(t, err)
		require.Equal(t, api.StepSucceeded, got.Status)
		require.Equal(t, 2, got.Attempt)
		require.Equal(t, "ada@example.com", got.Output["email"])
		require.WithinDuration(t, st.FinishedAt, got.FinishedAt, time.Microsecond)

		running, err := store.ListStepsByStatus(ctx, api.StepSucceeded)
		require.NoError(t, err)
		require.Len(t, running, 1)

		_, err = store.GetStep(ctx, "run-1", "ghost")
		require.ErrorIs(t, err, ErrStepNotFound)
		_, err = store.ListSteps(ctx, "ghost")
		require.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestStore_ClaimStep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-1", "wf-1")

		claimed, err := store.ClaimStep(ctx, "run-1", "first", api.StepPending, api.StepReady)
		require.NoError(t, err)
		require.True(t, claimed)

		// Wrong expected status: lost, not an error.
		claimed, err = store.ClaimStep(ctx, "run-1", "first", api.StepPending, api.StepReady)
		require.NoError(t, err)
		require.False(t, claimed)

		got, err := store.GetStep(ctx, "run-1", "first")
		require.NoError(t, err)
		require.Equal(t, api.StepReady, got.Status)

		_, err = store.ClaimStep(ctx, "run-1", "ghost", api.StepPending, api.StepReady)
		require.ErrorIs(t, err, ErrStepNotFound)
	})
}

func TestStore_ClaimStep_ExactlyOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-1", "wf-1")

		const claimers = 16
		var wg sync.WaitGroup
		wins := make(chan bool, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := store.ClaimStep(ctx, "run-1", "second", api.StepPending, api.StepRunning)
				if err == nil && claimed {
					wins <- true
				}
			}()
		}
		wg.Wait()
		close(wins)

		won := 0
		for range wins {
			won++
		}
		require.Equal(t, 1, won, "exactly one claimer must win")
	})
}

func TestStore_DeleteRunCascades(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		createSampleRun(t, store, "run-1", "wf-1")

		require.NoError(t, store.DeleteRun(ctx, "run-1"))

		_, err := store.GetRun(ctx, "run-1")
		require.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.GetStep(ctx, "run-1", "first")
		require.Error(t, err)

		require.ErrorIs(t, store.DeleteRun(ctx, "run-1"), ErrRunNotFound)
	})
}

func TestStore_JobLogs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()

		old := &api.JobLogEntry{
			RunID: "run-1", StepID: "first", Attempt: 1,
			Outcome: api.StepRetrying, Error: "rate limited",
			Duration:  120 * time.Millisecond,
			CreatedAt: time.Now().Add(-40 * 24 * time.Hour),
		}
		fresh := &api.JobLogEntry{
			RunID: "run-1", StepID: "first", Attempt: 2,
			Outcome: api.StepSucceeded, Duration: 80 * time.Millisecond,
		}
		other := &api.JobLogEntry{
			RunID: "run-2", StepID: "a", Attempt: 1, Outcome: api.StepSucceeded,
		}
		require.NoError(t, store.AppendJobLog(ctx, old))
		require.NoError(t, store.AppendJobLog(ctx, fresh))
		require.NoError(t, store.AppendJobLog(ctx, other))
		require.NotZero(t, old.ID)
		require.NotEqual(t, old.ID, fresh.ID)

		entries, err := store.ListJobLogs(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, api.StepRetrying, entries[0].Outcome)
		require.Equal(t, "rate limited", entries[0].Error)
		require.Equal(t, 120*time.Millisecond, entries[0].Duration)

		// 30-day retention cutoff removes only the aged entry.
		deleted, err := store.DeleteJobLogsBefore(ctx, time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)

		entries, err = store.ListJobLogs(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, 2, entries[0].Attempt)
	})
}

func TestStore_Dedup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store fullStore) {
		ctx := context.Background()
		fp := api.Fingerprint("send-email", "user-1")

		seen, err := store.Seen(ctx, fp)
		require.NoError(t, err)
		require.False(t, seen)

		require.NoError(t, store.Record(ctx, fp, "run-1", "first"))
		// Recording twice is a no-op, not an error.
		require.NoError(t, store.Record(ctx, fp, "run-2", "first"))

		seen, err = store.Seen(ctx, fp)
		require.NoError(t, err)
		require.True(t, seen)

		// A cutoff in the future deletes everything recorded so far.
		deleted, err := store.DeleteDedupBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)

		seen, err = store.Seen(ctx, fp)
		require.NoError(t, err)
		require.False(t, seen)
	})
}
