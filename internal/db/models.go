package db

import (
	"encoding/json"
	"time"
)

// TaskStatus is the scheduling state of a task
type TaskStatus string

const (
	TaskStatusActive TaskStatus = "active"
	TaskStatusPaused TaskStatus = "paused"
	TaskStatusError  TaskStatus = "error"
)

// Valid reports whether s is one of the known task states
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusActive, TaskStatusPaused, TaskStatusError:
		return true
	}
	return false
}

// Task represents a recurring agent job
type Task struct {
	ID                  int64             `json:"id"`
	OwnerID             string            `json:"owner_id,omitempty"`
	Name                string            `json:"name"`
	Type                string            `json:"type"`
	Prompt              string            `json:"prompt"`
	Schedule            string            `json:"schedule"`
	Timezone            string            `json:"timezone,omitempty"`
	Engine              string            `json:"engine"`
	Tools               []json.RawMessage `json:"tools"`
	Status              TaskStatus        `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	LastRunAt           *time.Time        `json:"last_run_at,omitempty"`
	LastRunStatus       string            `json:"last_run_status,omitempty"`
	NextRunAt           *time.Time        `json:"next_run_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	ActiveRunID         string            `json:"active_run_id,omitempty"`
}

// IsRunning reports whether the run lock is held
func (t *Task) IsRunning() bool {
	return t.ActiveRunID != ""
}

// RunStatus is the status of an execution result. The job API may report
// terminal statuses beyond the ones listed here.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// InFlight reports whether the status means the run has not finished
func (s RunStatus) InFlight() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// ExecutionResult represents one run of a task
type ExecutionResult struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	RunID       string          `json:"run_id"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ResultUpdate is a partial update of an execution result. Nil fields are left untouched.
type ResultUpdate struct {
	Status      *RunStatus
	RunID       *string
	CompletedAt *time.Time
	DurationMs  *int64
	Result      json.RawMessage
	Usage       json.RawMessage
	Error       *string
}

// Channel kinds supported by the notification dispatcher
const (
	ChannelResend  = "resend"
	ChannelEmail   = "email"
	ChannelDiscord = "discord"
	ChannelSlack   = "slack"
)

// ChannelConfig configures one delivery channel of a notification preference
type ChannelConfig struct {
	Channel       string `json:"channel"`
	To            string `json:"to,omitempty"`
	WebhookURL    string `json:"webhookUrl,omitempty"`
	OnSuccess     bool   `json:"onSuccess"`
	OnFailure     bool   `json:"onFailure"`
	CustomSubject string `json:"customSubject,omitempty"`
	CustomBody    string `json:"customBody,omitempty"`
	IncludeResult *bool  `json:"includeResult,omitempty"`
}

// NotificationPreference holds the delivery configuration of a task
type NotificationPreference struct {
	ID       int64           `json:"id,omitempty"`
	TaskID   int64           `json:"task_id"`
	Enabled  bool            `json:"enabled"`
	Channels []ChannelConfig `json:"channels"`
}

// Dispatch is a pending one-shot invocation of a task
type Dispatch struct {
	TaskID int64     `json:"task_id"`
	RunAt  time.Time `json:"run_at"`
}

// Stats summarises the tasks of an owner
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Errored int `json:"errored"`
	Running int `json:"running"`
}
