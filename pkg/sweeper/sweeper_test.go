package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/persistence"
	"github.com/weftworks/weft/pkg/api"
)

func seedStore(t *testing.T, now time.Time) *persistence.InMemoryStore {
	t.Helper()
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	appendLog := func(age time.Duration) {
		require.NoError(t, store.AppendJobLog(ctx, &api.JobLogEntry{
			RunID: "run-1", StepID: "s", Attempt: 1,
			Outcome: api.StepSucceeded, CreatedAt: now.Add(-age),
		}))
	}
	appendLog(45 * 24 * time.Hour) // past the 30d window
	appendLog(31 * 24 * time.Hour) // past the 30d window
	appendLog(5 * 24 * time.Hour)  // kept

	putDedup := func(fp string, age time.Duration) {
		store.PutDedupRecord(api.DedupRecord{
			Fingerprint: fp, RunID: "run-1", StepID: "s",
			CreatedAt: now.Add(-age),
		})
	}
	putDedup("old", 120*24*time.Hour) // past the 90d window
	putDedup("mid", 45*24*time.Hour)  // older than the log window, kept
	putDedup("new", 24*time.Hour)     // kept

	return store
}

func newTestSweeper(logs LogSweepStore, dedup DedupSweepStore, now time.Time) *Sweeper {
	return New(logs, dedup, Config{now: func() time.Time { return now }})
}

func TestSweepOnce(t *testing.T) {
	now := time.Now()
	store := seedStore(t, now)
	sw := newTestSweeper(store, store, now)

	res, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), res.JobLogsDeleted)
	require.Equal(t, int64(1), res.DedupDeleted)

	// The dedup window is independent of, and longer than, the log
	// window: the 45-day-old record survives.
	seen, err := store.Seen(context.Background(), "mid")
	require.NoError(t, err)
	require.True(t, seen)

	logs, err := store.ListJobLogs(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestSweepOnce_Idempotent(t *testing.T) {
	now := time.Now()
	store := seedStore(t, now)
	sw := newTestSweeper(store, store, now)

	_, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)

	// Same cutoffs, nothing new to delete, no error.
	res, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.JobLogsDeleted)
	require.Zero(t, res.DedupDeleted)
}

type failingLogStore struct{}

func (failingLogStore) DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, errors.New("disk on fire")
}

func TestSweepOnce_SweepsAreIndependent(t *testing.T) {
	now := time.Now()
	store := seedStore(t, now)
	sw := newTestSweeper(failingLogStore{}, store, now)

	res, err := sw.SweepOnce(context.Background())
	require.Error(t, err)
	// The dedup sweep still ran despite the log sweep failing.
	require.Equal(t, int64(1), res.DedupDeleted)

	seen, err := store.Seen(context.Background(), "old")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 30*24*time.Hour, cfg.JobLogRetention)
	require.Equal(t, 90*24*time.Hour, cfg.DedupRetention)
	require.Equal(t, 24*time.Hour, cfg.Interval)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.now)
}
