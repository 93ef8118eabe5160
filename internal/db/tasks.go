package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, owner_id, name, type, prompt, schedule, timezone, engine, tools, status,
	created_at, updated_at, last_run_at, last_run_status, next_run_at, consecutive_failures, active_run_id`

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var owner, activeRun sql.NullString
	var tools string
	err := row.Scan(&task.ID, &owner, &task.Name, &task.Type, &task.Prompt, &task.Schedule, &task.Timezone,
		&task.Engine, &tools, &task.Status, &task.CreatedAt, &task.UpdatedAt, &task.LastRunAt,
		&task.LastRunStatus, &task.NextRunAt, &task.ConsecutiveFailures, &activeRun)
	if err != nil {
		return nil, err
	}
	task.OwnerID = owner.String
	task.ActiveRunID = activeRun.String
	if err := json.Unmarshal([]byte(tools), &task.Tools); err != nil {
		return nil, fmt.Errorf("failed to decode tools of task %d: %w", task.ID, err)
	}
	if task.Tools == nil {
		task.Tools = []json.RawMessage{}
	}
	return task, nil
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateTask creates a new task
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	if task.Tools == nil {
		task.Tools = []json.RawMessage{}
	}
	tools, err := encodeJSON(task.Tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}
	now := dbTime(time.Now())
	task.CreatedAt = now
	task.UpdatedAt = now

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO tasks (owner_id, name, type, prompt, schedule, timezone, engine, tools, status,
			created_at, updated_at, next_run_at, consecutive_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullString(task.OwnerID), task.Name, task.Type, task.Prompt, task.Schedule, task.Timezone, task.Engine,
		tools, task.Status, now, now, dbTimePtr(task.NextRunAt), task.ConsecutiveFailures)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

// ListTasks retrieves all tasks
func (db *DB) ListTasks(ctx context.Context) ([]*Task, error) {
	return db.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// ListTasksByOwner retrieves the tasks of one owner
func (db *DB) ListTasksByOwner(ctx context.Context, ownerID string) ([]*Task, error) {
	return db.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
}

// ListDueCandidates retrieves active, idle tasks that have a next run time
func (db *DB) ListDueCandidates(ctx context.Context) ([]*Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND active_run_id IS NULL AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
	`, TaskStatusActive)
}

// CountTasks counts the tasks of an owner, or every task when ownerID is empty
func (db *DB) CountTasks(ctx context.Context, ownerID string) (int, error) {
	var count int
	var err error
	if ownerID == "" {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count)
	} else {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE owner_id = ?`, ownerID).Scan(&count)
	}
	return count, err
}

// DefinitionFields selects the scheduling columns UpdateTaskDefinition writes
// besides the user-editable definition
type DefinitionFields struct {
	Status    bool
	NextRunAt bool
}

// UpdateTaskDefinition writes the user-editable fields of a task, plus its
// status and next run time when selected, and returns the stored row. Run
// bookkeeping columns are left untouched.
func (db *DB) UpdateTaskDefinition(ctx context.Context, task *Task, fields DefinitionFields) (*Task, error) {
	tools, err := encodeJSON(task.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tools: %w", err)
	}
	sets := []string{"name = ?", "type = ?", "prompt = ?", "schedule = ?", "timezone = ?", "engine = ?", "tools = ?", "updated_at = ?"}
	args := []any{task.Name, task.Type, task.Prompt, task.Schedule, task.Timezone, task.Engine, tools, dbTime(time.Now())}
	if fields.Status {
		sets = append(sets, "status = ?")
		args = append(args, task.Status)
	}
	if fields.NextRunAt {
		sets = append(sets, "next_run_at = ?")
		args = append(args, dbTimePtr(task.NextRunAt))
	}
	args = append(args, task.ID)

	result, err := db.conn.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result); err != nil {
		return nil, err
	}
	return db.GetTask(ctx, task.ID)
}

// DeleteTask deletes a task together with its execution results, notification
// preference and pending dispatch
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM execution_results WHERE task_id = ?`,
		`DELETE FROM notification_prefs WHERE task_id = ?`,
		`DELETE FROM dispatches WHERE task_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

// AcquireRunLock sets the run lock of an idle task. It reports false when
// another run already holds the lock.
func (db *DB) AcquireRunLock(ctx context.Context, id int64, token string) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET active_run_id = ?, updated_at = ?
		WHERE id = ? AND active_run_id IS NULL
	`, token, dbTime(time.Now()), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// SetActiveRun replaces the run lock with the external run ID and stamps the last run time
func (db *DB) SetActiveRun(ctx context.Context, id int64, runID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET active_run_id = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?
	`, runID, dbTime(at), dbTime(time.Now()), id)
	return err
}

// ClearActiveRun releases the run lock
func (db *DB) ClearActiveRun(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET active_run_id = NULL, updated_at = ? WHERE id = ?
	`, dbTime(time.Now()), id)
	return err
}

// RunCompletion is the task bookkeeping written when a run finishes
type RunCompletion struct {
	LastRunStatus       RunStatus
	ConsecutiveFailures int
	// Status is only written when set
	Status    TaskStatus
	NextRunAt *time.Time
}

// FinishRun records the outcome of a run, releases the run lock and returns the updated task
func (db *DB) FinishRun(ctx context.Context, id int64, c RunCompletion) (*Task, error) {
	var status any
	if c.Status != "" {
		status = c.Status
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET last_run_status = ?, consecutive_failures = ?, active_run_id = NULL,
			status = COALESCE(?, status), next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, c.LastRunStatus, c.ConsecutiveFailures, status, dbTimePtr(c.NextRunAt), dbTime(time.Now()), id)
	if err != nil {
		return nil, err
	}
	return db.GetTask(ctx, id)
}

// ClaimDue moves the next run time of a due task to guard so that no other
// trigger starts it. It reports false when the task is no longer due, idle and active.
func (db *DB) ClaimDue(ctx context.Context, id int64, now, guard time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND active_run_id IS NULL
			AND next_run_at IS NOT NULL AND next_run_at <= ?
	`, dbTime(guard), dbTime(time.Now()), id, TaskStatusActive, dbTime(now))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// RestoreNextRun reverts a guard stamp written by ClaimDue, provided nothing
// has overwritten it since
func (db *DB) RestoreNextRun(ctx context.Context, id int64, guard, original time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ?
	`, dbTime(original), dbTime(time.Now()), id, dbTime(guard))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ClaimOrphanedTasks assigns every unowned task to ownerID
func (db *DB) ClaimOrphanedTasks(ctx context.Context, ownerID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET owner_id = ?, updated_at = ? WHERE owner_id IS NULL
	`, ownerID, dbTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TaskStats counts tasks by state for an owner, or for every task when ownerID is empty
func (db *DB) TaskStats(ctx context.Context, ownerID string) (*Stats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN active_run_id IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM tasks`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	stats := &Stats{}
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&stats.Total, &stats.Active, &stats.Errored, &stats.Running)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
