package api

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/agent-tasks/internal/db"
)

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID                  int64             `json:"id"`
	OwnerID             string            `json:"owner_id,omitempty"`
	Name                string            `json:"name"`
	Type                string            `json:"type"`
	Prompt              string            `json:"prompt"`
	Schedule            string            `json:"schedule"`
	ScheduleDescription string            `json:"schedule_description"`
	Timezone            string            `json:"timezone,omitempty"`
	Engine              string            `json:"engine"`
	Tools               []json.RawMessage `json:"tools"`
	Status              string            `json:"status"`
	Running             bool              `json:"running"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	LastRunAt           *time.Time        `json:"last_run_at,omitempty"`
	LastRunStatus       string            `json:"last_run_status,omitempty"`
	NextRunAt           *time.Time        `json:"next_run_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// TaskDetailResponse represents a task together with its recent results
type TaskDetailResponse struct {
	TaskResponse
	Results []ResultResponse `json:"results"`
}

// ResultResponse represents an execution result in API responses
type ResultResponse struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	RunID       string          `json:"run_id,omitempty"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ResultsResponse represents a list of execution results
type ResultsResponse struct {
	Results []ResultResponse `json:"results"`
	Total   int              `json:"total"`
}

// RunResponse is returned when a run has been started
type RunResponse struct {
	TaskID   int64  `json:"task_id"`
	ResultID int64  `json:"result_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// NotificationsRequest replaces the notification preference of a task
type NotificationsRequest struct {
	Enabled  bool               `json:"enabled"`
	Channels []db.ChannelConfig `json:"channels"`
}

// ClaimResponse reports how many orphaned tasks were claimed
type ClaimResponse struct {
	Claimed int64 `json:"claimed"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
