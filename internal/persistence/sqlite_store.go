package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// SQLiteStore implements all store interfaces on top of SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ DefinitionStore = (*SQLiteStore)(nil)
	_ RunStore        = (*SQLiteStore)(nil)
	_ LogStore        = (*SQLiteStore)(nil)
	_ DedupStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			document BLOB NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`, `
		CREATE TABLE IF NOT EXISTS step_runs (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			ord INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			output BLOB,
			not_before INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, step_id)
		)`, `
		CREATE INDEX IF NOT EXISTS idx_step_runs_status ON step_runs (status)`, `
		CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_job_logs_created ON job_logs (created_at)`, `
		CREATE TABLE IF NOT EXISTS dedup_records (
			fingerprint TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_dedup_created ON dedup_records (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are stored as unix nanoseconds; zero means "not set".

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	doc, err := EncodeDefinition(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, document)
		VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`,
		def.ID, doc,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDefinitionExists
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ?`, id,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.WorkflowDefinition{}, ErrDefinitionNotFound
		}
		return api.WorkflowDefinition{}, err
	}
	var def api.WorkflowDefinition
	if err := DecodeDefinition(doc, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.WorkflowRun, steps []*api.StepRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	input, err := EncodeMap(run.Input)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, definition_id, status, input, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, string(run.Status), input,
		encodeTime(run.CreatedAt), encodeTime(run.CompletedAt),
	)
	if err != nil {
		return err
	}

	for i, st := range steps {
		output, err := EncodeMap(st.Output)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_runs (run_id, step_id, ord, status, attempt, last_error, output, not_before, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.RunID, st.StepID, i, string(st.Status), st.Attempt, st.LastError, output,
			encodeTime(st.NotBefore), encodeTime(st.StartedAt), encodeTime(st.FinishedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.WorkflowRun) error {
	input, err := EncodeMap(run.Input)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET definition_id = ?, status = ?, input = ?, created_at = ?, completed_at = ?
		WHERE id = ?`,
		run.DefinitionID, string(run.Status), input,
		encodeTime(run.CreatedAt), encodeTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*api.WorkflowRun, error) {
	var run api.WorkflowRun
	var statusStr string
	var input []byte
	var createdAt, completedAt int64

	if err := row.Scan(&run.ID, &run.DefinitionID, &statusStr, &input, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	run.Status = api.RunStatus(statusStr)
	run.CreatedAt = decodeTime(createdAt)
	run.CompletedAt = decodeTime(completedAt)

	inVal, err := DecodeMap(input)
	if err != nil {
		return nil, err
	}
	run.Input = inVal
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, status, input, created_at, completed_at
		FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, status, input, created_at, completed_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *api.StepRun) error {
	output, err := EncodeMap(step.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs
		SET status = ?, attempt = ?, last_error = ?, output = ?, not_before = ?, started_at = ?, finished_at = ?
		WHERE run_id = ? AND step_id = ?`,
		string(step.Status), step.Attempt, step.LastError, output,
		encodeTime(step.NotBefore), encodeTime(step.StartedAt), encodeTime(step.FinishedAt),
		step.RunID, step.StepID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStepNotFound
	}
	return nil
}

func scanStep(row interface{ Scan(...any) error }) (*api.StepRun, error) {
	var st api.StepRun
	var statusStr string
	var output []byte
	var notBefore, startedAt, finishedAt int64

	if err := row.Scan(&st.RunID, &st.StepID, &statusStr, &st.Attempt, &st.LastError,
		&output, &notBefore, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	st.Status = api.StepStatus(statusStr)
	st.NotBefore = decodeTime(notBefore)
	st.StartedAt = decodeTime(startedAt)
	st.FinishedAt = decodeTime(finishedAt)

	outVal, err := DecodeMap(output)
	if err != nil {
		return nil, err
	}
	st.Output = outVal
	return &st, nil
}

const stepColumns = `run_id, step_id, status, attempt, last_error, output, not_before, started_at, finished_at`

func (s *SQLiteStore) GetStep(ctx context.Context, runID, stepID string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE run_id = ? AND step_id = ?`,
		runID, stepID,
	)
	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*api.StepRun, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE run_id = ? ORDER BY ord`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*api.StepRun
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE status = ? ORDER BY run_id, ord`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*api.StepRun
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) ClaimStep(ctx context.Context, runID, stepID string, from, to api.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET status = ?
		WHERE run_id = ? AND step_id = ? AND status = ?`,
		string(to), runID, stepID, string(from),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Lost the claim, or the step does not exist at all.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM step_runs WHERE run_id = ? AND step_id = ?`,
			runID, stepID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrStepNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_runs WHERE run_id = ?`, runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendJobLog(ctx context.Context, entry *api.JobLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (run_id, step_id, attempt, outcome, error, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.StepID, entry.Attempt, string(entry.Outcome),
		entry.Error, entry.Duration.Nanoseconds(), encodeTime(entry.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListJobLogs(ctx context.Context, runID string) ([]*api.JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, attempt, outcome, error, duration_ns, created_at
		FROM job_logs WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*api.JobLogEntry
	for rows.Next() {
		var e api.JobLogEntry
		var outcome string
		var durationNs, createdAt int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.Attempt, &outcome, &e.Error, &durationNs, &createdAt); err != nil {
			return nil, err
		}
		e.Outcome = api.StepStatus(outcome)
		e.Duration = time.Duration(durationNs)
		e.CreatedAt = decodeTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_logs WHERE created_at < ?`, encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_records WHERE fingerprint = ?`, fingerprint,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Record(ctx context.Context, fingerprint, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (fingerprint, run_id, step_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, runID, stepID, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE created_at < ?`, encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
