package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetNotificationPreference retrieves the notification preference of a task
func (db *DB) GetNotificationPreference(ctx context.Context, taskID int64) (*NotificationPreference, error) {
	pref := &NotificationPreference{}
	var channels string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, task_id, enabled, channels FROM notification_prefs WHERE task_id = ?
	`, taskID).Scan(&pref.ID, &pref.TaskID, &pref.Enabled, &channels)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(channels), &pref.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels of task %d: %w", taskID, err)
	}
	return pref, nil
}

// UpsertNotificationPreference creates the preference of a task or replaces the existing one
func (db *DB) UpsertNotificationPreference(ctx context.Context, pref *NotificationPreference) error {
	if pref.Channels == nil {
		pref.Channels = []ChannelConfig{}
	}
	channels, err := encodeJSON(pref.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO notification_prefs (task_id, enabled, channels) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET enabled = excluded.enabled, channels = excluded.channels
	`, pref.TaskID, pref.Enabled, channels)
	if err != nil {
		return err
	}
	return db.conn.QueryRowContext(ctx, `SELECT id FROM notification_prefs WHERE task_id = ?`, pref.TaskID).Scan(&pref.ID)
}

// PutDispatch records the pending one-shot dispatch of a task, replacing any earlier one
func (db *DB) PutDispatch(ctx context.Context, taskID int64, runAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO dispatches (task_id, run_at) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET run_at = excluded.run_at
	`, taskID, dbTime(runAt))
	return err
}

// DeleteDispatch removes the pending dispatch of a task
func (db *DB) DeleteDispatch(ctx context.Context, taskID int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM dispatches WHERE task_id = ?`, taskID)
	return err
}

// CompleteDispatch removes the dispatch of a task if it is still the one
// scheduled for runAt. It reports false when it was replaced or cancelled.
func (db *DB) CompleteDispatch(ctx context.Context, taskID int64, runAt time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM dispatches WHERE task_id = ? AND run_at = ?
	`, taskID, dbTime(runAt))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// GetDispatch retrieves the pending dispatch of a task
func (db *DB) GetDispatch(ctx context.Context, taskID int64) (*Dispatch, error) {
	d := &Dispatch{}
	err := db.conn.QueryRowContext(ctx, `SELECT task_id, run_at FROM dispatches WHERE task_id = ?`, taskID).
		Scan(&d.TaskID, &d.RunAt)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// ListDispatches retrieves every pending dispatch, earliest first
func (db *DB) ListDispatches(ctx context.Context) ([]Dispatch, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT task_id, run_at FROM dispatches ORDER BY run_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		if err := rows.Scan(&d.TaskID, &d.RunAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
