// Package sweeper deletes expired job-log and dedup records on a
// schedule. It is independent of run execution: it only ever deletes
// rows strictly older than their retention cutoff, so it is safe to run
// concurrently with active runs, and each sweep is idempotent.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LogSweepStore is the slice of the run state store the log sweep needs.
type LogSweepStore interface {
	DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DedupSweepStore is the slice of the store the dedup sweep needs.
type DedupSweepStore interface {
	DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config carries retention windows and the sweep schedule. Zero values
// fall back to the documented defaults.
type Config struct {
	// JobLogRetention is how long job-log entries are kept. Default 30 days.
	JobLogRetention time.Duration

	// DedupRetention is how long dedup records are kept. It is
	// independent of, and longer than, the job-log window: it must
	// outlive enough runs to be a useful dedup horizon. Default 90 days.
	DedupRetention time.Duration

	// Interval between sweeps when running on a schedule. Default 24h.
	Interval time.Duration

	Logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.JobLogRetention <= 0 {
		c.JobLogRetention = 30 * 24 * time.Hour
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = 90 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Result reports what one sweep deleted. Zero deletions is not an error.
type Result struct {
	JobLogsDeleted int64
	DedupDeleted   int64
}

// Sweeper runs the two retention sweeps.
type Sweeper struct {
	logs  LogSweepStore
	dedup DedupSweepStore
	cfg   Config
}

// New creates a Sweeper over the given stores.
func New(logs LogSweepStore, dedup DedupSweepStore, cfg Config) *Sweeper {
	return &Sweeper{logs: logs, dedup: dedup, cfg: cfg.withDefaults()}
}

// SweepOnce runs both sweeps. The sweeps are independent: a failure in
// one never blocks the other, and both errors are reported together.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	now := s.cfg.now()
	var res Result
	var logErr, dedupErr error

	res.JobLogsDeleted, logErr = s.logs.DeleteJobLogsBefore(ctx, now.Add(-s.cfg.JobLogRetention))
	if logErr != nil {
		s.cfg.Logger.Error("job log sweep failed", "error", logErr)
	}

	res.DedupDeleted, dedupErr = s.dedup.DeleteDedupBefore(ctx, now.Add(-s.cfg.DedupRetention))
	if dedupErr != nil {
		s.cfg.Logger.Error("dedup sweep failed", "error", dedupErr)
	}

	if logErr == nil && dedupErr == nil {
		s.cfg.Logger.Info("retention sweep finished",
			"job_logs_deleted", res.JobLogsDeleted,
			"dedup_deleted", res.DedupDeleted)
	}
	return res, errors.Join(logErr, dedupErr)
}

// Run sweeps once immediately and then on every interval tick until ctx
// is done. Sweep errors are logged and do not stop the schedule.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
