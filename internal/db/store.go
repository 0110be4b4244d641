package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses. Interrupted runs were left running by a process that died.
const (
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusCached      = "cached"
	StatusInterrupted = "interrupted"
)

// timeFormat keeps a fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Store records extraction runs and their steps.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a ledger store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Run is one ledger row.
type Run struct {
	RunID           string
	RunKey          string
	Template        string
	CreatedAt       time.Time
	FinishedAt      *time.Time
	Status          string
	ValidityLevel   string
	ReportURL       string
	DiagnosticsPath string
	RawPath         string
}

// StepRecord is one executed step.
type StepRecord struct {
	Seq            int
	StepName       string
	PromptType     string
	Success        bool
	ValidStructure bool
	Cached         bool
	Latency        time.Duration
	APIError       string
	SystemError    string
}

// Finish holds the terminal state of a run.
type Finish struct {
	Status          string
	ValidityLevel   string
	ReportURL       string
	DiagnosticsPath string
	RawPath         string
}

// CreateRun inserts a running row.
func (s *Store) CreateRun(ctx context.Context, runID, runKey, template string) error {
	createdAt := s.now().UTC().Format(timeFormat)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO runs(run_id, run_key, template, created_at, status) VALUES(?, ?, ?, ?, ?)`,
		runID, runKey, template, createdAt, StatusRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordSteps appends steps to a run in one transaction, numbering them after existing ones.
func (s *Store) RecordSteps(ctx context.Context, runID string, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin record steps: %w", err)
	}
	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO steps(run_id, seq, step_name, prompt_type, success, valid_structure, cached, latency_ms, api_error, system_error)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, seq+i, st.StepName, st.PromptType, st.Success, st.ValidStructure, st.Cached, st.Latency.Milliseconds(),
			nullableString(st.APIError), nullableString(st.SystemError)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert step %s: %w", st.StepName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM steps WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read step seq: %w", err)
	}
	return seq + 1, nil
}

// FinishRun stores the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, f Finish) error {
	finishedAt := s.now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at=?, status=?, validity_level=?, report_url=?, diagnostics_path=?, raw_path=? WHERE run_id=?`,
		finishedAt, f.Status, nullableString(f.ValidityLevel), nullableString(f.ReportURL),
		nullableString(f.DiagnosticsPath), nullableString(f.RawPath), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `run_id, run_key, template, created_at, finished_at, status, validity_level, report_url, diagnostics_path, raw_path`

// ListRuns returns runs newest first. A non-positive limit returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a single run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// Steps returns the steps of a run in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, step_name, prompt_type, success, valid_structure, cached, latency_ms, api_error, system_error
		FROM steps WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []StepRecord
	for rows.Next() {
		var (
			st             StepRecord
			latencyMS      int64
			apiErr, sysErr sql.NullString
		)
		if err := rows.Scan(&st.Seq, &st.StepName, &st.PromptType, &st.Success, &st.ValidStructure, &st.Cached,
			&latencyMS, &apiErr, &sysErr); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Latency = time.Duration(latencyMS) * time.Millisecond
		st.APIError = apiErr.String
		st.SystemError = sysErr.String
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// DeleteRun removes a run and its steps.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                                     Run
		createdAt                             string
		finishedAt, level, url, diag, rawPath sql.NullString
	)
	if err := sc.Scan(&r.RunID, &r.RunKey, &r.Template, &createdAt, &finishedAt, &r.Status, &level, &url, &diag, &rawPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if finishedAt.Valid {
		if t, err := time.Parse(timeFormat, finishedAt.String); err == nil {
			r.FinishedAt = &t
		}
	}
	r.ValidityLevel = level.String
	r.ReportURL = url.String
	r.DiagnosticsPath = diag.String
	r.RawPath = rawPath.String
	return r, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
