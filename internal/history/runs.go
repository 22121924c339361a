package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun records a run and all of its task results in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, tasks []TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_context, started_at, finished_at, total, completed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectContext, run.StartedAt, run.FinishedAt, run.Total, run.Completed, run.Failed)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, task := range tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_id, status, from_cache, files, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, task.TaskID, task.Status, task.FromCache, task.Files, task.Duration.Milliseconds(), task.Error)
		if err != nil {
			return fmt.Errorf("failed to insert task result %s: %w", task.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRun retrieves a run and its task results.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, []TaskRecord, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_context, started_at, finished_at, total, completed, failed
		FROM runs
		WHERE id = ?
	`, runID).Scan(&run.ID, &run.ProjectContext, &run.StartedAt, &run.FinishedAt, &run.Total, &run.Completed, &run.Failed)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, status, from_cache, files, duration_ms, error
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var task TaskRecord
		var durationMS int64
		var taskErr sql.NullString
		if err := rows.Scan(&task.RunID, &task.TaskID, &task.Status, &task.FromCache, &task.Files, &durationMS, &taskErr); err != nil {
			return nil, nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		task.Duration = time.Duration(durationMS) * time.Millisecond
		task.Error = taskErr.String
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return run, tasks, nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_context, started_at, finished_at, total, completed, failed
		FROM runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.ProjectContext, &run.StartedAt, &run.FinishedAt, &run.Total, &run.Completed, &run.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
