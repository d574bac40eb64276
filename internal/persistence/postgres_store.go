package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// PostgresStore implements all store interfaces on top of PostgreSQL.
//
// It expects an *sql.DB opened with a Postgres driver, typically the
// pgx stdlib adapter:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type PostgresStore struct {
	db *sql.DB
}

var (
	_ DefinitionStore = (*PostgresStore)(nil)
	_ RunStore        = (*PostgresStore)(nil)
	_ LogStore        = (*PostgresStore)(nil)
	_ DedupStore      = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			document BYTEA NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`, `
		CREATE TABLE IF NOT EXISTS step_runs (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			ord INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			output BYTEA,
			not_before BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL DEFAULT 0,
			finished_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, step_id)
		)`, `
		CREATE INDEX IF NOT EXISTS idx_step_runs_status ON step_runs (status)`, `
		CREATE TABLE IF NOT EXISTS job_logs (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ns BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_job_logs_created ON job_logs (created_at)`, `
		CREATE TABLE IF NOT EXISTS dedup_records (
			fingerprint TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
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

func (s *PostgresStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	doc, err := EncodeDefinition(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, document)
		VALUES ($1, $2)
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

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = $1`, id,
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

func (s *PostgresStore) CreateRun(ctx context.Context, run *api.WorkflowRun, steps []*api.StepRun) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			st.RunID, st.StepID, i, string(st.Status), st.Attempt, st.LastError, output,
			encodeTime(st.NotBefore), encodeTime(st.StartedAt), encodeTime(st.FinishedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *api.WorkflowRun) error {
	input, err := EncodeMap(run.Input)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET definition_id = $1, status = $2, input = $3, created_at = $4, completed_at = $5
		WHERE id = $6`,
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

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, status, input, created_at, completed_at
		FROM runs WHERE id = $1`, id,
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

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, status, input, created_at, completed_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		clauses = append(clauses, "definition_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
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

func (s *PostgresStore) UpdateStep(ctx context.Context, step *api.StepRun) error {
	output, err := EncodeMap(step.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs
		SET status = $1, attempt = $2, last_error = $3, output = $4, not_before = $5, started_at = $6, finished_at = $7
		WHERE run_id = $8 AND step_id = $9`,
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

func (s *PostgresStore) GetStep(ctx context.Context, runID, stepID string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE run_id = $1 AND step_id = $2`,
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

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]*api.StepRun, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE run_id = $1 ORDER BY ord`, runID,
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

func (s *PostgresStore) ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM step_runs WHERE status = $1 ORDER BY run_id, ord`,
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

func (s *PostgresStore) ClaimStep(ctx context.Context, runID, stepID string, from, to api.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET status = $1
		WHERE run_id = $2 AND step_id = $3 AND status = $4`,
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
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM step_runs WHERE run_id = $1 AND step_id = $2`,
			runID, stepID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrStepNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, runID)
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_runs WHERE run_id = $1`, runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) AppendJobLog(ctx context.Context, entry *api.JobLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO job_logs (run_id, step_id, attempt, outcome, error, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.RunID, entry.StepID, entry.Attempt, string(entry.Outcome),
		entry.Error, entry.Duration.Nanoseconds(), encodeTime(entry.CreatedAt),
	).Scan(&entry.ID)
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, runID string) ([]*api.JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, attempt, outcome, error, duration_ns, created_at
		FROM job_logs WHERE run_id = $1 ORDER BY id`, runID,
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

func (s *PostgresStore) DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_logs WHERE created_at < $1`, encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_records WHERE fingerprint = $1`, fingerprint,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Record(ctx context.Context, fingerprint, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (fingerprint, run_id, step_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, runID, stepID, time.Now().UnixNano(),
	)
	return err
}

func (s *PostgresStore) DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE created_at < $1`, encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
