package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// MaxResultsPerTask is the retention window of execution results per task
const MaxResultsPerTask = 100

const resultColumns = `id, task_id, run_id, status, started_at, completed_at, duration_ms, result, usage, error`

func scanResult(row rowScanner) (*ExecutionResult, error) {
	r := &ExecutionResult{}
	var result, usage sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.RunID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.DurationMs,
		&result, &usage, &r.Error)
	if err != nil {
		return nil, err
	}
	if result.Valid {
		r.Result = []byte(result.String)
	}
	if usage.Valid {
		r.Usage = []byte(usage.String)
	}
	return r, nil
}

// InsertExecutionResult inserts a result, first evicting the oldest results of
// the task so that at most MaxResultsPerTask remain afterwards
func (db *DB) InsertExecutionResult(ctx context.Context, r *ExecutionResult) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_results WHERE task_id = ?`, r.TaskID).Scan(&count); err != nil {
		return err
	}
	if count >= MaxResultsPerTask {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM execution_results WHERE id IN (
				SELECT id FROM execution_results WHERE task_id = ?
				ORDER BY started_at ASC, id ASC LIMIT ?
			)
		`, r.TaskID, count-(MaxResultsPerTask-1))
		if err != nil {
			return err
		}
	}

	r.StartedAt = dbTime(r.StartedAt)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO execution_results (task_id, run_id, status, started_at, completed_at, duration_ms, result, usage, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.RunID, r.Status, r.StartedAt, dbTimePtr(r.CompletedAt), r.DurationMs,
		nullJSON(r.Result), nullJSON(r.Usage), r.Error)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.ID = id
	return nil
}

// UpdateExecutionResult applies a partial update to a result
func (db *DB) UpdateExecutionResult(ctx context.Context, id int64, u ResultUpdate) error {
	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.RunID != nil {
		sets = append(sets, "run_id = ?")
		args = append(args, *u.RunID)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, dbTime(*u.CompletedAt))
	}
	if u.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *u.DurationMs)
	}
	if len(u.Result) > 0 {
		sets = append(sets, "result = ?")
		args = append(args, string(u.Result))
	}
	if len(u.Usage) > 0 {
		sets = append(sets, "usage = ?")
		args = append(args, string(u.Usage))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	result, err := db.conn.ExecContext(ctx,
		`UPDATE execution_results SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// GetExecutionResult retrieves a result by ID
func (db *DB) GetExecutionResult(ctx context.Context, id int64) (*ExecutionResult, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM execution_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// ListExecutionResults retrieves the most recent results of a task, newest first
func (db *DB) ListExecutionResults(ctx context.Context, taskID int64, limit int) ([]*ExecutionResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM execution_results
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ExecutionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountExecutionResults counts the retained results of a task
func (db *DB) CountExecutionResults(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_results WHERE task_id = ?`, taskID).Scan(&count)
	return count, err
}

// RecoverStaleRuns marks every queued or running result as failed and releases
// every run lock. It is called on startup to clean up runs that were
// interrupted by a restart.
func (db *DB) RecoverStaleRuns(ctx context.Context, now time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE execution_results
		SET status = ?, error = 'Server restarted during execution', completed_at = ?
		WHERE status IN (?, ?)
	`, RunStatusFailed, dbTime(now), RunStatusQueued, RunStatusRunning)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET active_run_id = NULL, updated_at = ? WHERE active_run_id IS NOT NULL
	`, dbTime(now)); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
