package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/notify"
	"github.com/kylemclaren/agent-tasks/internal/schedule"
	"github.com/kylemclaren/agent-tasks/internal/stream"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 150
	// FailureThreshold is the number of consecutive failures that moves a task to the error state
	FailureThreshold = 5
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAlreadyRunning    = errors.New("task is already running")
	ErrMissingCredential = errors.New("job api credential is not configured")
	// ErrInterrupted is returned when ctx ends before the run finishes. The
	// record is marked failed but the failure counter and task status are kept.
	ErrInterrupted = errors.New("run interrupted")
)

// Mode selects the entry policy of a run
type Mode int

const (
	// Scheduled runs come from the dispatch queue or the sweep. Unmet
	// preconditions skip the run silently.
	Scheduled Mode = iota
	// Interactive runs are requested by a user. Unmet preconditions are
	// returned as errors and the task status is not checked.
	Interactive
)

func (m Mode) String() string {
	if m == Interactive {
		return "interactive"
	}
	return "scheduled"
}

// JobAPI starts and polls external agent runs
type JobAPI interface {
	Configured() bool
	StartRun(ctx context.Context, req agent.StartRequest) (string, error)
	GetRun(ctx context.Context, runID string) (*agent.Run, error)
}

// Notifier receives the outcome of every finished run
type Notifier interface {
	Notify(ctx context.Context, o notify.Outcome)
}

// Rearmer schedules the next one-shot invocation of a task
type Rearmer interface {
	ScheduleAt(ctx context.Context, taskID int64, at time.Time) error
}

// Publisher receives status transitions of execution results
type Publisher interface {
	Publish(ev stream.Event)
}

// Executor drives agent runs for tasks
type Executor struct {
	db           *db.DB
	api          JobAPI
	notifier     Notifier
	events       Publisher
	rearmer      Rearmer
	clock        clockwork.Clock
	logger       zerolog.Logger
	pollInterval time.Duration
	maxPolls     int
	wg           sync.WaitGroup
}

// Option configures an Executor
type Option func(*Executor)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clockwork.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithPolling overrides the poll interval and the maximum number of polls
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
		if maxPolls > 0 {
			e.maxPolls = maxPolls
		}
	}
}

// WithNotifier sets the notification dispatcher
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithEvents publishes result status transitions to p
func WithEvents(p Publisher) Option {
	return func(e *Executor) { e.events = p }
}

// New creates a new executor
func New(database *db.DB, api JobAPI, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		db:           database,
		api:          api,
		clock:        clockwork.NewRealClock(),
		logger:       logger.With().Str("component", "executor").Logger(),
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRearmer sets the queue used to schedule each task's next run
func (e *Executor) SetRearmer(r Rearmer) {
	e.rearmer = r
}

// Outcome is the result of one finished run
type Outcome struct {
	TaskID              int64
	ResultID            int64
	RunID               string
	Status              db.RunStatus
	Failed              bool
	Error               string
	Result              json.RawMessage
	Duration            time.Duration
	ConsecutiveFailures int
	TaskStatus          db.TaskStatus
	NextRunAt           *time.Time
}

// run is the state of one attempt between lock acquisition and completion
type run struct {
	task      *db.Task
	resultID  int64
	startedAt time.Time
	mode      Mode
	logger    zerolog.Logger
}

// finish describes how an attempt ended
type finish struct {
	status      db.RunStatus
	failed      bool
	interrupted bool
	runID  string
	errMsg string
	result json.RawMessage
	usage  json.RawMessage
}

// Execute runs a task to completion. A scheduled call whose preconditions are
// not met returns (nil, nil). Errors are only returned for unmet interactive
// preconditions, persistence failures and runs cut short by ctx (ErrInterrupted);
// every other failure is reported in the Outcome.
func (e *Executor) Execute(ctx context.Context, taskID int64, mode Mode) (*Outcome, error) {
	r, err := e.begin(ctx, taskID, mode)
	if r == nil {
		return nil, err
	}
	return e.drive(ctx, r)
}

// AsyncResult is delivered when a run started by ExecuteAsync finishes
type AsyncResult struct {
	Outcome *Outcome
	Err     error
}

// ExecuteAsync checks preconditions and inserts the queued record before
// returning, then drives the run in the background. The run is detached from
// ctx cancellation.
func (e *Executor) ExecuteAsync(ctx context.Context, taskID int64) (int64, <-chan AsyncResult, error) {
	r, err := e.begin(ctx, taskID, Interactive)
	if err != nil {
		return 0, nil, err
	}
	ch := make(chan AsyncResult, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		out, err := e.drive(context.WithoutCancel(ctx), r)
		ch <- AsyncResult{Outcome: out, Err: err}
		close(ch)
	}()
	return r.resultID, ch, nil
}

// Wait blocks until every run started by ExecuteAsync has finished
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) begin(ctx context.Context, taskID int64, mode Mode) (*run, error) {
	logger := e.logger.With().Int64("task_id", taskID).Str("mode", mode.String()).Logger()
	skip := func(err error, reason string) (*run, error) {
		if mode == Interactive {
			return nil, err
		}
		logger.Debug().Str("reason", reason).Msg("skipping scheduled run")
		return nil, nil
	}

	task, err := e.db.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return skip(ErrTaskNotFound, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task.IsRunning() {
		return skip(ErrAlreadyRunning, "already running")
	}
	if !e.api.Configured() {
		return skip(ErrMissingCredential, "missing credential")
	}
	if mode == Scheduled && task.Status != db.TaskStatusActive {
		return skip(nil, "task is "+string(task.Status))
	}

	token := "local-" + uuid.NewString()
	acquired, err := e.db.AcquireRunLock(ctx, taskID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return skip(ErrAlreadyRunning, "lost lock race")
	}

	startedAt := e.clock.Now()
	result := &db.ExecutionResult{
		TaskID:    taskID,
		Status:    db.RunStatusQueued,
		StartedAt: startedAt,
	}
	if err := e.db.InsertExecutionResult(ctx, result); err != nil {
		e.release(taskID, logger)
		return nil, fmt.Errorf("failed to create execution result: %w", err)
	}

	logger = logger.With().Int64("result_id", result.ID).Logger()
	logger.Info().Msg("run queued")
	e.publish(stream.Event{ResultID: result.ID, TaskID: taskID, Status: string(db.RunStatusQueued)})
	return &run{task: task, resultID: result.ID, startedAt: startedAt, mode: mode, logger: logger}, nil
}

func (e *Executor) drive(ctx context.Context, r *run) (out *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("run panicked")
			e.abort(r, fmt.Sprintf("Internal error: %v", p))
			out, err = nil, fmt.Errorf("run of task %d panicked: %v", r.task.ID, p)
		}
	}()

	fin := e.start(ctx, r)
	if fin.interrupted {
		r.logger.Warn().Str("error", fin.errMsg).Msg("run interrupted")
		e.abort(r, fin.errMsg)
		return nil, fmt.Errorf("task %d: %w", r.task.ID, ErrInterrupted)
	}
	return e.complete(ctx, r, fin)
}

// start calls the job API and polls the run until it reaches a terminal status
func (e *Executor) start(ctx context.Context, r *run) finish {
	runID, err := e.api.StartRun(ctx, agent.StartRequest{
		Engine: r.task.Engine,
		Input: agent.Input{
			Instructions: agent.Instructions(r.task.Prompt),
			Tools:        r.task.Tools,
		},
	})
	if err != nil && ctx.Err() != nil {
		return finish{interrupted: true, errMsg: interruptedMsg(ctx)}
	}
	if err != nil {
		detail := err.Error()
		var statusErr *agent.StatusError
		if errors.As(err, &statusErr) {
			detail = statusErr.Body
		}
		r.logger.Warn().Err(err).Msg("failed to start run")
		return finish{status: db.RunStatusFailed, failed: true, errMsg: "Failed to start run: " + detail}
	}

	r.logger = r.logger.With().Str("run_id", runID).Logger()
	running := db.RunStatusRunning
	if err := e.db.UpdateExecutionResult(ctx, r.resultID, db.ResultUpdate{Status: &running, RunID: &runID}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to mark result running")
	}
	if err := e.db.SetActiveRun(ctx, r.task.ID, runID, e.clock.Now()); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record active run")
	}
	r.logger.Info().Msg("run started")
	e.publish(stream.Event{ResultID: r.resultID, TaskID: r.task.ID, RunID: runID, Status: string(running)})

	completed, reason := e.poll(ctx, r, runID)
	if completed == nil && ctx.Err() != nil {
		return finish{interrupted: true, runID: runID, errMsg: reason}
	}
	if completed == nil {
		return finish{status: db.RunStatusFailed, failed: true, runID: runID, errMsg: reason}
	}

	status := completed.Status
	if status == "" {
		status = string(db.RunStatusSucceeded)
	}
	fin := finish{
		status: db.RunStatus(status),
		failed: IsFailure(status),
		runID:  runID,
		result: completed.Result,
		usage:  completed.Usage,
	}
	if completed.RunID != "" {
		fin.runID = completed.RunID
	}
	if fin.failed {
		fin.errMsg = agent.ExtractError(completed.Result)
	}
	return fin
}

// poll waits for a terminal status. Poll errors are logged and retried. When
// no terminal status is seen the returned string says why.
func (e *Executor) poll(ctx context.Context, r *run, runID string) (*agent.Run, string) {
	for attempt := 1; attempt <= e.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, interruptedMsg(ctx)
		case <-e.clock.After(e.pollInterval):
		}

		current, err := e.api.GetRun(ctx, runID)
		if err != nil {
			r.logger.Debug().Err(err).Int("attempt", attempt).Msg("poll failed")
			continue
		}
		if current.Pending() {
			continue
		}
		return current, ""
	}
	return nil, "Run timed out after " + humanDuration(e.pollInterval*time.Duration(e.maxPolls)) + " of polling"
}

// complete persists the outcome, applies the failure policy, re-arms the
// task and sends notifications
func (e *Executor) complete(ctx context.Context, r *run, fin finish) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	taskID := r.task.ID
	completedAt := e.clock.Now()
	duration := completedAt.Sub(r.startedAt)
	durationMs := duration.Milliseconds()

	update := db.ResultUpdate{
		Status:      &fin.status,
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
		Result:      fin.result,
		Usage:       fin.usage,
	}
	if fin.runID != "" {
		update.RunID = &fin.runID
	}
	if fin.errMsg != "" {
		update.Error = &fin.errMsg
	}
	if err := e.db.UpdateExecutionResult(ctx, r.resultID, update); err != nil && !errors.Is(err, db.ErrNotFound) {
		r.logger.Error().Err(err).Msg("failed to update execution result")
	}
	e.publish(stream.Event{
		ResultID: r.resultID,
		TaskID:   taskID,
		RunID:    fin.runID,
		Status:   string(fin.status),
		Error:    fin.errMsg,
		Final:    true,
	})

	out := &Outcome{
		TaskID:   taskID,
		ResultID: r.resultID,
		RunID:    fin.runID,
		Status:   fin.status,
		Failed:   fin.failed,
		Error:    fin.errMsg,
		Result:   fin.result,
		Duration: duration,
	}

	current, err := e.db.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.Info().Msg("task deleted during run")
		return out, nil
	}
	if err != nil {
		e.release(taskID, r.logger)
		return out, fmt.Errorf("failed to reload task: %w", err)
	}

	failures := 0
	if fin.failed {
		failures = current.ConsecutiveFailures + 1
	}
	completion := db.RunCompletion{
		LastRunStatus:       fin.status,
		ConsecutiveFailures: failures,
		NextRunAt:           schedule.NextPtr(current.Schedule, current.Timezone, completedAt),
	}
	if failures >= FailureThreshold {
		completion.Status = db.TaskStatusError
	}

	updated, err := e.db.FinishRun(ctx, taskID, completion)
	if err != nil {
		e.release(taskID, r.logger)
		return out, fmt.Errorf("failed to update task after run: %w", err)
	}
	out.ConsecutiveFailures = updated.ConsecutiveFailures
	out.TaskStatus = updated.Status
	out.NextRunAt = updated.NextRunAt

	event := r.logger.Info()
	if fin.failed {
		event = r.logger.Warn().Str("error", fin.errMsg)
	}
	event.Str("status", string(fin.status)).Int("consecutive_failures", failures).Dur("duration", duration).Msg("run finished")
	if completion.Status == db.TaskStatusError {
		r.logger.Warn().Int("consecutive_failures", failures).Msg("task disabled after repeated failures")
	}

	if updated.Status == db.TaskStatusActive && updated.NextRunAt != nil && e.rearmer != nil {
		if err := e.rearmer.ScheduleAt(ctx, taskID, *updated.NextRunAt); err != nil {
			r.logger.Warn().Err(err).Msg("failed to re-arm task")
		} else {
			r.logger.Debug().Time("next_run_at", *updated.NextRunAt).Msg("task re-armed")
		}
	}

	e.notify(ctx, r, updated, out)
	return out, nil
}

func (e *Executor) notify(ctx context.Context, r *run, task *db.Task, out *Outcome) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("notifier panicked")
		}
	}()
	e.notifier.Notify(ctx, notify.Outcome{
		TaskID:     task.ID,
		TaskName:   task.Name,
		ResultID:   out.ResultID,
		RunID:      out.RunID,
		Status:     string(out.Status),
		Failed:     out.Failed,
		Error:      out.Error,
		Result:     out.Result,
		StartedAt:  r.startedAt,
		DurationMs: out.Duration.Milliseconds(),
	})
}

// abort marks the record failed and releases the lock after an unexpected failure
func (e *Executor) abort(r *run, msg string) {
	ctx := context.Background()
	failed := db.RunStatusFailed
	now := e.clock.Now()
	durationMs := now.Sub(r.startedAt).Milliseconds()
	if err := e.db.UpdateExecutionResult(ctx, r.resultID, db.ResultUpdate{
		Status:      &failed,
		CompletedAt: &now,
		DurationMs:  &durationMs,
		Error:       &msg,
	}); err != nil {
		r.logger.Error().Err(err).Msg("failed to mark aborted result")
	}
	e.publish(stream.Event{ResultID: r.resultID, TaskID: r.task.ID, Status: string(failed), Error: msg, Final: true})
	e.release(r.task.ID, r.logger)
}

func (e *Executor) publish(ev stream.Event) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	e.events.Publish(ev)
}

func (e *Executor) release(taskID int64, logger zerolog.Logger) {
	if err := e.db.ClearActiveRun(context.Background(), taskID); err != nil {
		logger.Error().Err(err).Msg("failed to release run lock")
	}
}

// IsFailure reports whether a job-reported status counts as a failed run
func IsFailure(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "error", "canceled", "cancelled", "timed_out", "timeout":
		return true
	}
	return false
}

func interruptedMsg(ctx context.Context) string {
	return "Run interrupted before completion: " + ctx.Err().Error()
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
