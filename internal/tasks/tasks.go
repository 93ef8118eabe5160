// Package tasks implements the task lifecycle: creation, edits, removal,
// listing, manual triggers and notification preferences.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/schedule"
)

const (
	// MaxTasks is the number of tasks an owner may hold
	MaxTasks = 50
	// DefaultType is assigned to tasks created without a type
	DefaultType = "research"
	// RecentResults is the number of results returned with a task
	RecentResults = 5
	// DefaultResultLimit is the page size of result listings
	DefaultResultLimit = 20
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrTaskLimit = fmt.Errorf("maximum %d tasks allowed", MaxTasks)
)

// validationError reports invalid input
type validationError string

func (e validationError) Error() string { return string(e) }

// IsValidation reports whether err was caused by invalid input
func IsValidation(err error) bool {
	var v validationError
	return errors.As(err, &v)
}

// Dispatcher arms and cancels one-shot dispatches
type Dispatcher interface {
	ScheduleAt(ctx context.Context, taskID int64, at time.Time) error
	Cancel(ctx context.Context, taskID int64) error
}

// Runner executes tasks on demand
type Runner interface {
	Execute(ctx context.Context, taskID int64, mode executor.Mode) (*executor.Outcome, error)
	ExecuteAsync(ctx context.Context, taskID int64) (int64, <-chan executor.AsyncResult, error)
}

// Manager coordinates task storage with the dispatch queue
type Manager struct {
	db         *db.DB
	dispatcher Dispatcher
	runner     Runner
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// New creates a new task manager
func New(database *db.DB, dispatcher Dispatcher, runner Runner, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		db:         database,
		dispatcher: dispatcher,
		runner:     runner,
		clock:      clock,
		logger:     logger.With().Str("component", "tasks").Logger(),
	}
}

// NotifyTarget requests an email notification channel at creation time
type NotifyTarget struct {
	Email     string `json:"email"`
	OnSuccess bool   `json:"onSuccess"`
	OnFailure bool   `json:"onFailure"`
}

// CreateInput describes a new task
type CreateInput struct {
	OwnerID  string            `json:"-"`
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	Prompt   string            `json:"prompt"`
	Schedule string            `json:"schedule"`
	Timezone string            `json:"timezone,omitempty"`
	Engine   string            `json:"engine,omitempty"`
	Tools    []json.RawMessage `json:"tools,omitempty"`
	Notify   *NotifyTarget     `json:"notify,omitempty"`
}

// Create stores a new active task and arms its first run. An expression that
// does not parse is accepted; the task then has no next run.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*db.Task, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	count, err := m.db.CountTasks(ctx, in.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	if count >= MaxTasks {
		return nil, ErrTaskLimit
	}

	task := &db.Task{
		OwnerID:   in.OwnerID,
		Name:      strings.TrimSpace(in.Name),
		Type:      in.Type,
		Prompt:    in.Prompt,
		Schedule:  strings.TrimSpace(in.Schedule),
		Timezone:  in.Timezone,
		Engine:    in.Engine,
		Tools:     in.Tools,
		Status:    db.TaskStatusActive,
		NextRunAt: schedule.NextPtr(in.Schedule, in.Timezone, m.clock.Now()),
	}
	if task.Type == "" {
		task.Type = DefaultType
	}
	if task.Engine == "" {
		task.Engine = agent.DefaultEngine
	}
	if err := m.db.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	logger := m.logger.With().Int64("task_id", task.ID).Logger()
	if in.Notify != nil {
		pref := &db.NotificationPreference{
			TaskID:  task.ID,
			Enabled: true,
			Channels: []db.ChannelConfig{{
				Channel:   db.ChannelResend,
				To:        in.Notify.Email,
				OnSuccess: in.Notify.OnSuccess,
				OnFailure: in.Notify.OnFailure,
			}},
		}
		if err := m.db.UpsertNotificationPreference(ctx, pref); err != nil {
			logger.Warn().Err(err).Msg("failed to store notification preference")
		}
	}
	m.arm(ctx, task, logger)

	logger.Info().Str("schedule", task.Schedule).Msg("task created")
	return task, nil
}

func validateCreate(in CreateInput) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return validationError("name is required")
	case strings.TrimSpace(in.Prompt) == "":
		return validationError("prompt is required")
	case strings.TrimSpace(in.Schedule) == "":
		return validationError("schedule is required")
	case in.Notify != nil && strings.TrimSpace(in.Notify.Email) == "":
		return validationError("notify.email is required")
	}
	if err := agent.ValidateTools(in.Tools); err != nil {
		return validationError(err.Error())
	}
	return nil
}

// UpdateInput is a partial task edit. Nil fields are left unchanged.
type UpdateInput struct {
	Name      *string           `json:"name,omitempty"`
	Type      *string           `json:"type,omitempty"`
	Prompt    *string           `json:"prompt,omitempty"`
	Schedule  *string           `json:"schedule,omitempty"`
	Timezone  *string           `json:"timezone,omitempty"`
	Engine    *string           `json:"engine,omitempty"`
	Tools     []json.RawMessage `json:"tools,omitempty"`
	Status    *db.TaskStatus    `json:"status,omitempty"`
	NextRunAt *time.Time        `json:"nextRunAt,omitempty"`
}

// Update applies a partial edit. Changing the schedule or timezone recomputes
// the next run unless NextRunAt is given. The consecutive failure counter is
// never reset here.
func (m *Manager) Update(ctx context.Context, ownerID string, id int64, in UpdateInput) (*db.Task, error) {
	task, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	previousStatus := task.Status
	previousNext := task.NextRunAt

	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, validationError("name cannot be empty")
		}
		task.Name = strings.TrimSpace(*in.Name)
	}
	if in.Type != nil {
		task.Type = *in.Type
	}
	if in.Prompt != nil {
		if strings.TrimSpace(*in.Prompt) == "" {
			return nil, validationError("prompt cannot be empty")
		}
		task.Prompt = *in.Prompt
	}
	if in.Engine != nil {
		task.Engine = *in.Engine
	}
	if in.Tools != nil {
		if err := agent.ValidateTools(in.Tools); err != nil {
			return nil, validationError(err.Error())
		}
		task.Tools = in.Tools
	}
	if in.Status != nil {
		if *in.Status != db.TaskStatusActive && *in.Status != db.TaskStatusPaused {
			return nil, validationError("status must be active or paused")
		}
		task.Status = *in.Status
	}
	if in.Schedule != nil {
		if strings.TrimSpace(*in.Schedule) == "" {
			return nil, validationError("schedule cannot be empty")
		}
		task.Schedule = strings.TrimSpace(*in.Schedule)
	}
	if in.Timezone != nil {
		task.Timezone = *in.Timezone
	}

	// Status and next run are only written when this edit decides them
	fields := db.DefinitionFields{Status: in.Status != nil, NextRunAt: true}
	switch {
	case in.NextRunAt != nil:
		next := *in.NextRunAt
		task.NextRunAt = &next
	case in.Schedule != nil || in.Timezone != nil:
		task.NextRunAt = schedule.NextPtr(task.Schedule, task.Timezone, m.clock.Now())
	case previousStatus != db.TaskStatusActive && task.Status == db.TaskStatusActive && task.NextRunAt == nil:
		task.NextRunAt = schedule.NextPtr(task.Schedule, task.Timezone, m.clock.Now())
	default:
		fields.NextRunAt = false
	}

	task, err = m.db.UpdateTaskDefinition(ctx, task, fields)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	logger := m.logger.With().Int64("task_id", id).Logger()
	switch {
	case task.Status != db.TaskStatusActive:
		if err := m.dispatcher.Cancel(ctx, id); err != nil {
			logger.Warn().Err(err).Msg("failed to cancel dispatch")
		}
	case previousStatus != task.Status || !sameTime(previousNext, task.NextRunAt):
		m.arm(ctx, task, logger)
	}

	logger.Info().Str("status", string(task.Status)).Msg("task updated")
	return task, nil
}

// Delete removes a task with its results, preference and pending dispatch
func (m *Manager) Delete(ctx context.Context, ownerID string, id int64) error {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := m.dispatcher.Cancel(ctx, id); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", id).Msg("failed to cancel dispatch")
	}
	if err := m.db.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	m.logger.Info().Int64("task_id", id).Msg("task deleted")
	return nil
}

// Get returns a task visible to ownerID. An empty ownerID sees every task.
func (m *Manager) Get(ctx context.Context, ownerID string, id int64) (*db.Task, error) {
	task, err := m.db.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ownerID != "" && task.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return task, nil
}

// TaskWithResults is a task together with its most recent results
type TaskWithResults struct {
	Task    *db.Task              `json:"task"`
	Results []*db.ExecutionResult `json:"results"`
}

// GetWithResults returns a task and its RecentResults newest results
func (m *Manager) GetWithResults(ctx context.Context, ownerID string, id int64) (*TaskWithResults, error) {
	task, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	results, err := m.db.ListExecutionResults(ctx, id, RecentResults)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return &TaskWithResults{Task: task, Results: results}, nil
}

var statusOrder = map[db.TaskStatus]int{
	db.TaskStatusActive: 0,
	db.TaskStatusPaused: 1,
	db.TaskStatusError:  2,
}

// List returns the tasks visible to ownerID ordered by status, then most
// recent run, then name
func (m *Manager) List(ctx context.Context, ownerID string) ([]*db.Task, error) {
	var tasks []*db.Task
	var err error
	if ownerID == "" {
		tasks, err = m.db.ListTasks(ctx)
	} else {
		tasks, err = m.db.ListTasksByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	SortTasks(tasks)
	return tasks, nil
}

// SortTasks orders tasks for display
func SortTasks(tasks []*db.Task) {
	rank := func(s db.TaskStatus) int {
		if r, ok := statusOrder[s]; ok {
			return r
		}
		return len(statusOrder)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := rank(a.Status), rank(b.Status); ra != rb {
			return ra < rb
		}
		switch {
		case a.LastRunAt != nil && b.LastRunAt != nil:
			if !a.LastRunAt.Equal(*b.LastRunAt) {
				return a.LastRunAt.After(*b.LastRunAt)
			}
		case a.LastRunAt != nil:
			return true
		case b.LastRunAt != nil:
			return false
		}
		return a.Name < b.Name
	})
}

// Stats counts the tasks visible to ownerID
func (m *Manager) Stats(ctx context.Context, ownerID string) (*db.Stats, error) {
	return m.db.TaskStats(ctx, ownerID)
}

// ListResults returns up to limit results of a task, newest first
func (m *Manager) ListResults(ctx context.Context, ownerID string, id int64, limit int) ([]*db.ExecutionResult, error) {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > db.MaxResultsPerTask {
		limit = DefaultResultLimit
	}
	return m.db.ListExecutionResults(ctx, id, limit)
}

// GetResult returns one execution result
func (m *Manager) GetResult(ctx context.Context, ownerID string, resultID int64) (*db.ExecutionResult, error) {
	result, err := m.db.GetExecutionResult(ctx, resultID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := m.Get(ctx, ownerID, result.TaskID); err != nil {
		return nil, err
	}
	return result, nil
}

// Trigger starts a run in the background and returns the ID of its result.
// It fails with executor.ErrAlreadyRunning or executor.ErrMissingCredential
// when the run cannot start.
func (m *Manager) Trigger(ctx context.Context, ownerID string, id int64) (int64, error) {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return 0, err
	}
	resultID, _, err := m.runner.ExecuteAsync(ctx, id)
	if err != nil {
		return 0, err
	}
	m.logger.Info().Int64("task_id", id).Int64("result_id", resultID).Msg("task triggered")
	return resultID, nil
}

// RunNow runs a task and waits for the outcome
func (m *Manager) RunNow(ctx context.Context, ownerID string, id int64) (*executor.Outcome, error) {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return m.runner.Execute(ctx, id, executor.Interactive)
}

// ClaimOrphaned assigns every unowned task to ownerID
func (m *Manager) ClaimOrphaned(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, validationError("owner is required")
	}
	n, err := m.db.ClaimOrphanedTasks(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Str("owner_id", ownerID).Int64("count", n).Msg("claimed orphaned tasks")
	}
	return n, nil
}

// GetNotifications returns the preference of a task, disabled with no
// channels when none was stored
func (m *Manager) GetNotifications(ctx context.Context, ownerID string, id int64) (*db.NotificationPreference, error) {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	pref, err := m.db.GetNotificationPreference(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return &db.NotificationPreference{TaskID: id, Channels: []db.ChannelConfig{}}, nil
	}
	return pref, err
}

// SetNotifications replaces the preference of a task
func (m *Manager) SetNotifications(ctx context.Context, ownerID string, id int64, enabled bool, channels []db.ChannelConfig) (*db.NotificationPreference, error) {
	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	for i, ch := range channels {
		if err := validateChannel(ch); err != nil {
			return nil, validationError(fmt.Sprintf("channel %d: %s", i, err))
		}
	}
	pref := &db.NotificationPreference{TaskID: id, Enabled: enabled, Channels: channels}
	if err := m.db.UpsertNotificationPreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("failed to store notification preference: %w", err)
	}
	return pref, nil
}

func validateChannel(ch db.ChannelConfig) error {
	switch ch.Channel {
	case db.ChannelResend, db.ChannelEmail:
		if strings.TrimSpace(ch.To) == "" {
			return errors.New("email channels need a recipient")
		}
	case db.ChannelDiscord, db.ChannelSlack:
		if !strings.HasPrefix(ch.WebhookURL, "https://") && !strings.HasPrefix(ch.WebhookURL, "http://") {
			return errors.New("webhook channels need a webhook url")
		}
	default:
		return fmt.Errorf("unknown channel %q", ch.Channel)
	}
	return nil
}

func (m *Manager) arm(ctx context.Context, task *db.Task, logger zerolog.Logger) {
	if task.Status != db.TaskStatusActive || task.NextRunAt == nil {
		return
	}
	if err := m.dispatcher.ScheduleAt(ctx, task.ID, *task.NextRunAt); err != nil {
		logger.Warn().Err(err).Msg("failed to arm dispatch")
		return
	}
	logger.Debug().Time("next_run_at", *task.NextRunAt).Msg("dispatch armed")
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
