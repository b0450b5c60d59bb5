package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
)

// RunRecord is a manual task run as kept in the local history
type RunRecord struct {
	ID             string            `json:"id"`
	Task           model.LogicalTask `json:"task"`
	TaskArn        string            `json:"task_arn"`
	Cluster        string            `json:"cluster"`
	TaskDefinition string            `json:"task_definition"`
	Status         model.TaskStatus  `json:"status"`
	StopCode       string            `json:"stop_code,omitempty"`
	StoppedReason  string            `json:"stopped_reason,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	StartedBy      string            `json:"started_by,omitempty"`
	LaunchedAt     time.Time         `json:"launched_at"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
	Target         json.RawMessage   `json:"target,omitempty"`
}

// NewRunRecord snapshots a task run for the history
func NewRunRecord(run *model.TaskRun, startedBy string) *RunRecord {
	rec := &RunRecord{
		ID:         run.ID,
		Task:       run.Task,
		TaskArn:    run.TaskArn,
		Cluster:    run.Cluster,
		Status:     run.LastStatus,
		StopCode:   run.StopCode,
		ExitCode:   run.ExitCode,
		StartedBy:  startedBy,
		LaunchedAt: run.LaunchedAt,
		StoppedAt:  run.StoppedAt,
	}
	if run.StoppedReason != nil {
		rec.StoppedReason = *run.StoppedReason
	}
	if run.Target != nil {
		rec.TaskDefinition = run.Target.TaskDefinition
		if data, err := json.Marshal(run.Target); err == nil {
			rec.Target = data
		}
	}
	return rec
}

// RunFilter narrows a history listing. Zero fields match everything.
type RunFilter struct {
	Task   model.LogicalTask
	Status model.TaskStatus
	Since  time.Time
}

// RunHistory defines the interface for the manual run history
type RunHistory interface {
	// Store stores a freshly launched run
	Store(ctx context.Context, rec *RunRecord) error

	// Update records the latest observed state of a run
	Update(ctx context.Context, rec *RunRecord) error

	// Get retrieves a run by ID, returning nil when it is unknown
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List retrieves runs newest first
	List(ctx context.Context, filter RunFilter, offset, limit int) ([]*RunRecord, error)

	// Count returns the number of runs matching the filter
	Count(ctx context.Context, filter RunFilter) (int, error)

	// DeleteBefore deletes runs launched before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteRunHistory implements RunHistory using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ RunHistory = (*SQLiteRunHistory)(nil)

// NewSQLiteRunHistory opens the history database at dbPath, creating it
// and its directory when missing. Existing records are kept.
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteRunHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			task_arn TEXT NOT NULL,
			cluster TEXT NOT NULL,
			task_definition TEXT,
			status TEXT NOT NULL,
			stop_code TEXT,
			stopped_reason TEXT,
			exit_code INTEGER,
			started_by TEXT,
			launched_at DATETIME NOT NULL,
			stopped_at DATETIME,
			target TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_task ON run_history(task);
		CREATE INDEX IF NOT EXISTS idx_run_history_status ON run_history(status);
		CREATE INDEX IF NOT EXISTS idx_run_history_launched_at ON run_history(launched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements RunHistory.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (
			id, task, task_arn, cluster, task_definition, status, started_by, launched_at, target
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Task,
		rec.TaskArn,
		rec.Cluster,
		nullString(rec.TaskDefinition),
		rec.Status,
		nullString(rec.StartedBy),
		rec.LaunchedAt.UTC(),
		nullString(string(rec.Target)),
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// Update implements RunHistory.Update
func (s *SQLiteRunHistory) Update(ctx context.Context, rec *RunRecord) error {
	exitCode := sql.NullInt64{}
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	stoppedAt := sql.NullTime{}
	if rec.StoppedAt != nil {
		stoppedAt = sql.NullTime{Time: rec.StoppedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE run_history SET
			status = ?,
			stop_code = ?,
			stopped_reason = ?,
			exit_code = ?,
			stopped_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		rec.Status,
		nullString(rec.StopCode),
		nullString(rec.StoppedReason),
		exitCode,
		stoppedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("failed to update run %s: not found", rec.ID)
	}
	return nil
}

const selectRuns = `SELECT id, task, task_arn, cluster, task_definition, status, stop_code,
	stopped_reason, exit_code, started_by, launched_at, stopped_at, target FROM run_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var taskDef, stopCode, reason, startedBy, target sql.NullString
	var exitCode sql.NullInt64
	var stoppedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Task,
		&rec.TaskArn,
		&rec.Cluster,
		&taskDef,
		&rec.Status,
		&stopCode,
		&reason,
		&exitCode,
		&startedBy,
		&rec.LaunchedAt,
		&stoppedAt,
		&target,
	)
	if err != nil {
		return nil, err
	}

	rec.TaskDefinition = taskDef.String
	rec.StopCode = stopCode.String
	rec.StoppedReason = reason.String
	rec.StartedBy = startedBy.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if stoppedAt.Valid {
		rec.StoppedAt = &stoppedAt.Time
	}
	if target.Valid && target.String != "" {
		rec.Target = json.RawMessage(target.String)
	}
	return rec, nil
}

// Get implements RunHistory.Get
func (s *SQLiteRunHistory) Get(ctx context.Context, id string) (*RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return rec, nil
}

func (f RunFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Task != "" {
		clauses = append(clauses, "task = ?")
		args = append(args, f.Task)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "launched_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List implements RunHistory.List
func (s *SQLiteRunHistory) List(ctx context.Context, filter RunFilter, offset, limit int) ([]*RunRecord, error) {
	where, args := filter.where()
	query := selectRuns + where + " ORDER BY launched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements RunHistory.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, filter RunFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM run_history WHERE launched_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
