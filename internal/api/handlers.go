package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/schedule"
	"github.com/kylemclaren/agent-tasks/internal/tasks"
	"github.com/kylemclaren/agent-tasks/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// GetStats handles GET /api/v1/stats
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context(), owner(r))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch stats", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// ClaimOrphaned handles POST /api/v1/claim
func (s *Server) ClaimOrphaned(w http.ResponseWriter, r *http.Request) {
	n, err := s.tasks.ClaimOrphaned(r.Context(), owner(r))
	if err != nil {
		s.fail(w, "Failed to claim tasks", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ClaimResponse{Claimed: n})
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.List(r.Context(), owner(r))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(list)),
		Total: len(list),
	}
	for i, task := range list {
		response.Tasks[i] = taskToResponse(task)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.OwnerID = owner(r)

	task, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.fail(w, "Failed to create task", err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, taskToResponse(task))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	detail, err := s.tasks.GetWithResults(r.Context(), owner(r), id)
	if err != nil {
		s.fail(w, "Failed to fetch task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, TaskDetailResponse{
		TaskResponse: taskToResponse(detail.Task),
		Results:      resultsToResponse(detail.Results),
	})
}

// UpdateTask handles PUT /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	var req tasks.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, err := s.tasks.Update(r.Context(), owner(r), id, req)
	if err != nil {
		s.fail(w, "Failed to update task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	if err := s.tasks.Delete(r.Context(), owner(r), id); err != nil {
		s.fail(w, "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// RunTask handles POST /api/v1/tasks/{id}/run
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	resultID, err := s.tasks.Trigger(r.Context(), owner(r), id)
	if err != nil {
		s.fail(w, "Failed to start task", err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, RunResponse{
		TaskID:   id,
		ResultID: resultID,
		Status:   string(db.RunStatusQueued),
		Message:  "Task execution started",
	})
}

// GetTaskResults handles GET /api/v1/tasks/{id}/results
func (s *Server) GetTaskResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	limit := tasks.DefaultResultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	results, err := s.tasks.ListResults(r.Context(), owner(r), id, limit)
	if err != nil {
		s.fail(w, "Failed to fetch results", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, ResultsResponse{
		Results: resultsToResponse(results),
		Total:   len(results),
	})
}

// GetResult handles GET /api/v1/results/{id}
func (s *Server) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid result ID", err)
		return
	}

	result, err := s.tasks.GetResult(r.Context(), owner(r), id)
	if err != nil {
		s.fail(w, "Failed to fetch result", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, resultToResponse(result))
}

// GetNotifications handles GET /api/v1/tasks/{id}/notifications
func (s *Server) GetNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	pref, err := s.tasks.GetNotifications(r.Context(), owner(r), id)
	if err != nil {
		s.fail(w, "Failed to fetch notification preference", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, pref)
}

// UpdateNotifications handles PUT /api/v1/tasks/{id}/notifications
func (s *Server) UpdateNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	var req NotificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pref, err := s.tasks.SetNotifications(r.Context(), owner(r), id, req.Enabled, req.Channels)
	if err != nil {
		s.fail(w, "Failed to update notification preference", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, pref)
}

// Helper functions

func taskToResponse(task *db.Task) TaskResponse {
	return TaskResponse{
		ID:                  task.ID,
		OwnerID:             task.OwnerID,
		Name:                task.Name,
		Type:                task.Type,
		Prompt:              task.Prompt,
		Schedule:            task.Schedule,
		ScheduleDescription: schedule.Describe(task.Schedule),
		Timezone:            task.Timezone,
		Engine:              task.Engine,
		Tools:               task.Tools,
		Status:              string(task.Status),
		Running:             task.IsRunning(),
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
		LastRunAt:           task.LastRunAt,
		LastRunStatus:       task.LastRunStatus,
		NextRunAt:           task.NextRunAt,
		ConsecutiveFailures: task.ConsecutiveFailures,
	}
}

func resultToResponse(r *db.ExecutionResult) ResultResponse {
	return ResultResponse{
		ID:          r.ID,
		TaskID:      r.TaskID,
		RunID:       r.RunID,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.DurationMs,
		Result:      r.Result,
		Usage:       r.Usage,
		Error:       r.Error,
	}
}

func resultsToResponse(results []*db.ExecutionResult) []ResultResponse {
	out := make([]ResultResponse, len(results))
	for i, r := range results {
		out[i] = resultToResponse(r)
	}
	return out
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return 0, false
	}
	return id, true
}

// fail maps a task manager error to a status code
func (s *Server) fail(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Task not found", nil)
	case errors.Is(err, tasks.ErrTaskLimit):
		s.jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "task_limit"})
	case tasks.IsValidation(err):
		s.jsonResponse(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid"})
	case errors.Is(err, executor.ErrAlreadyRunning):
		s.jsonResponse(w, http.StatusConflict, ErrorResponse{Error: "Task is already running", Code: "running"})
	case errors.Is(err, executor.ErrMissingCredential):
		s.jsonResponse(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Job API key is not configured", Code: "unconfigured"})
	default:
		s.logger.Error().Err(err).Msg(message)
		s.errorResponse(w, http.StatusInternalServerError, message, err)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
