package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

// DefaultRetention is the number of runs kept per task.
const DefaultRetention = 50

var (
	// ErrRunNotFound is returned when a run record does not exist
	ErrRunNotFound = errors.New("run not found")

	// ErrRunClosed is returned when finishing a run that already reached a terminal status
	ErrRunClosed = errors.New("run already finished")
)

// RunLedger defines the interface for run history storage
type RunLedger interface {
	// Insert stores a new run record in RUNNING state
	Insert(ctx context.Context, run *model.RunRecord) error

	// Finish moves a RUNNING record to its terminal status exactly once
	Finish(ctx context.Context, run *model.RunRecord) error

	// Get retrieves a run record by ID
	Get(ctx context.Context, id string) (*model.RunRecord, error)

	// RecentFinished returns terminal runs, newest first
	RecentFinished(ctx context.Context, limit int) ([]*model.RunRecord, error)

	// ListByTask returns the runs of one task, newest first
	ListByTask(ctx context.Context, taskID string, limit int) ([]*model.RunRecord, error)

	// Prune keeps the newest keep runs of a task and deletes the rest
	Prune(ctx context.Context, taskID string, keep int) (int64, error)

	// CountByStatus counts runs per status
	CountByStatus(ctx context.Context) (model.RunCounts, error)

	// MarkStaleRunning closes every RUNNING record as FAILED
	MarkStaleRunning(ctx context.Context, reason string) (int64, error)

	// WatchRecentFinished streams RecentFinished after every ledger change
	WatchRecentFinished(ctx context.Context, limit int) <-chan []*model.RunRecord

	// WatchRun streams a run after every ledger change until it is terminal
	WatchRun(ctx context.Context, id string) <-chan *model.RunRecord

	Close() error
}

// SQLiteRunLedger implements RunLedger using SQLite
type SQLiteRunLedger struct {
	logger  *zap.Logger
	db      *sql.DB
	changes *broadcaster
}

const runColumns = `id, task_id, task_title_snapshot, assistant_id_snapshot, status,
	started_at, finished_at, duration_ms, prompt_snapshot, result_text, error_text,
	model_id_snapshot, provider_name_snapshot`

// NewSQLiteRunLedger opens (creating if needed) the run ledger at dbPath
func NewSQLiteRunLedger(logger *zap.Logger, dbPath string) (*SQLiteRunLedger, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ledger := &SQLiteRunLedger{
		logger:  logger.Named("run-ledger"),
		db:      db,
		changes: newBroadcaster(),
	}

	if err := ledger.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return ledger, nil
}

// initialize creates the run table and its indexes if they don't exist
func (s *SQLiteRunLedger) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_task_run (
			id TEXT NOT NULL PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_title_snapshot TEXT NOT NULL,
			assistant_id_snapshot TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			prompt_snapshot TEXT NOT NULL,
			result_text TEXT NOT NULL,
			error_text TEXT NOT NULL,
			model_id_snapshot TEXT,
			provider_name_snapshot TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS index_scheduled_task_run_task_id ON scheduled_task_run(task_id);
		CREATE INDEX IF NOT EXISTS index_scheduled_task_run_started_at ON scheduled_task_run(started_at);
		CREATE INDEX IF NOT EXISTS index_scheduled_task_run_status ON scheduled_task_run(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Insert implements RunLedger.Insert
func (s *SQLiteRunLedger) Insert(ctx context.Context, run *model.RunRecord) error {
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_task_run (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		run.TaskTitleSnapshot,
		run.AssistantIDSnapshot,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.DurationMs,
		run.PromptSnapshot,
		run.ResultText,
		run.ErrorText,
		nullableString(run.ModelIDSnapshot),
		run.ProviderNameSnapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	s.changes.notify()
	return nil
}

// Finish implements RunLedger.Finish
func (s *SQLiteRunLedger) Finish(ctx context.Context, run *model.RunRecord) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("cannot finish run %s with status %s", run.ID, run.Status)
	}
	if run.DurationMs < 0 {
		run.DurationMs = 0
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_task_run SET
			status = ?,
			finished_at = ?,
			duration_ms = ?,
			result_text = ?,
			error_text = ?,
			model_id_snapshot = ?,
			provider_name_snapshot = ?
		WHERE id = ? AND status = ?`,
		run.Status,
		run.FinishedAt,
		run.DurationMs,
		run.ResultText,
		run.ErrorText,
		nullableString(run.ModelIDSnapshot),
		run.ProviderNameSnapshot,
		run.ID,
		model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, run.ID); err != nil {
			return err
		}
		return ErrRunClosed
	}
	s.changes.notify()
	return nil
}

// Get implements RunLedger.Get
func (s *SQLiteRunLedger) Get(ctx context.Context, id string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scheduled_task_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// RecentFinished implements RunLedger.RecentFinished
func (s *SQLiteRunLedger) RecentFinished(ctx context.Context, limit int) ([]*model.RunRecord, error) {
	return s.query(ctx, `
		SELECT `+runColumns+` FROM scheduled_task_run
		WHERE status IN (?, ?)
		ORDER BY started_at DESC
		LIMIT ?`,
		model.RunStatusSuccess, model.RunStatusFailed, normalizeLimit(limit))
}

// ListByTask implements RunLedger.ListByTask
func (s *SQLiteRunLedger) ListByTask(ctx context.Context, taskID string, limit int) ([]*model.RunRecord, error) {
	return s.query(ctx, `
		SELECT `+runColumns+` FROM scheduled_task_run
		WHERE task_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		taskID, normalizeLimit(limit))
}

// Prune implements RunLedger.Prune
func (s *SQLiteRunLedger) Prune(ctx context.Context, taskID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_task_run
		WHERE task_id = ?
		AND id IN (
			SELECT id FROM scheduled_task_run
			WHERE task_id = ?
			ORDER BY started_at DESC
			LIMIT -1 OFFSET ?
		)`, taskID, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Debug("Pruned run history",
			zap.String("task_id", taskID),
			zap.Int("keep", keep),
			zap.Int64("deleted", affected))
		s.changes.notify()
	}
	return affected, nil
}

// CountByStatus implements RunLedger.CountByStatus
func (s *SQLiteRunLedger) CountByStatus(ctx context.Context) (model.RunCounts, error) {
	var counts model.RunCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_task_run GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan run count: %w", err)
		}
		switch status {
		case model.RunStatusRunning:
			counts.Running = n
		case model.RunStatusSuccess:
			counts.Success = n
		case model.RunStatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// MarkStaleRunning implements RunLedger.MarkStaleRunning
func (s *SQLiteRunLedger) MarkStaleRunning(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_task_run SET
			status = ?,
			error_text = ?,
			finished_at = ?,
			duration_ms = MAX(0, ? - started_at)
		WHERE status = ?`,
		model.RunStatusFailed, reason, now, now, model.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("Closed runs interrupted before completion", zap.Int64("count", affected))
		s.changes.notify()
	}
	return affected, nil
}

// WatchRecentFinished implements RunLedger.WatchRecentFinished
func (s *SQLiteRunLedger) WatchRecentFinished(ctx context.Context, limit int) <-chan []*model.RunRecord {
	out := make(chan []*model.RunRecord, 1)
	changed, unsubscribe := s.changes.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			runs, err := s.RecentFinished(ctx, limit)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Failed to query recent runs", zap.Error(err))
				}
			} else {
				select {
				case out <- runs:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// WatchRun implements RunLedger.WatchRun. The channel is closed once the run
// is terminal, when it does not exist or when ctx is done.
func (s *SQLiteRunLedger) WatchRun(ctx context.Context, id string) <-chan *model.RunRecord {
	out := make(chan *model.RunRecord, 1)
	changed, unsubscribe := s.changes.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			run, err := s.Get(ctx, id)
			if err != nil {
				if !errors.Is(err, ErrRunNotFound) && ctx.Err() == nil {
					s.logger.Error("Failed to query run", zap.String("run_id", id), zap.Error(err))
				}
				return
			}

			select {
			case out <- run:
			case <-ctx.Done():
				return
			}
			if run.Status.Terminal() {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close closes the database connection
func (s *SQLiteRunLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunLedger) query(ctx context.Context, query string, args ...interface{}) ([]*model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*model.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.RunRecord, error) {
	var run model.RunRecord
	var modelID sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.TaskID,
		&run.TaskTitleSnapshot,
		&run.AssistantIDSnapshot,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.DurationMs,
		&run.PromptSnapshot,
		&run.ResultText,
		&run.ErrorText,
		&modelID,
		&run.ProviderNameSnapshot,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if modelID.Valid {
		run.ModelIDSnapshot = &modelID.String
	}
	return &run, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	return limit
}
