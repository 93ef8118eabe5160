package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
)

const (
	DefaultSweepInterval = 30 * time.Minute
	// GuardOffset is how far ahead the sweep stamps a claimed task's next run
	GuardOffset = 365 * 24 * time.Hour
)

// Runner executes one run of a task
type Runner interface {
	Execute(ctx context.Context, taskID int64, mode executor.Mode) (*executor.Outcome, error)
}

// Scheduler owns the one-shot dispatch queue and the periodic sweep
type Scheduler struct {
	db            *db.DB
	runner        Runner
	cron          gocron.Scheduler
	clock         clockwork.Clock
	logger        zerolog.Logger
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSweepInterval overrides the sweep period
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates a new scheduler
func New(database *db.DB, runner Runner, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		db:            database,
		runner:        runner,
		clock:         clockwork.NewRealClock(),
		logger:        logger.With().Str("component", "scheduler").Logger(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(cronLogger{s.logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s.cron = cron
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start recovers runs interrupted by a previous process, re-arms persisted
// dispatches and starts the sweep. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	recovered, err := s.db.RecoverStaleRuns(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to recover stale runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn().Int64("count", recovered).Msg("marked interrupted runs as failed")
	}

	dispatches, err := s.db.ListDispatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dispatches: %w", err)
	}
	for _, d := range dispatches {
		if err := s.arm(d.TaskID, d.RunAt); err != nil {
			// Log error but continue with other tasks
			s.logger.Error().Err(err).Int64("task_id", d.TaskID).Msg("failed to re-arm dispatch")
		}
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.sweepInterval),
		gocron.NewTask(func() { s.Sweep(s.ctx) }),
		gocron.WithName("sweep"),
		gocron.WithTags("sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("dispatches", len(dispatches)).Dur("sweep_interval", s.sweepInterval).Msg("scheduler started")
	return nil
}

// Stop stops the scheduler. In-flight runs are interrupted: their records are
// marked failed and the task keeps its failure count and next run time.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	err := s.cron.Shutdown()
	s.wg.Wait()
	return err
}

// ScheduleAt records a one-shot dispatch of the task at the given time,
// replacing any pending one. A time in the past fires immediately.
func (s *Scheduler) ScheduleAt(ctx context.Context, taskID int64, at time.Time) error {
	if err := s.db.PutDispatch(ctx, taskID, at); err != nil {
		return fmt.Errorf("failed to persist dispatch: %w", err)
	}
	return s.arm(taskID, at)
}

// Cancel drops the pending dispatch of a task
func (s *Scheduler) Cancel(ctx context.Context, taskID int64) error {
	s.cron.RemoveByTags(dispatchTag(taskID))
	return s.db.DeleteDispatch(ctx, taskID)
}

func (s *Scheduler) arm(taskID int64, at time.Time) error {
	tag := dispatchTag(taskID)
	s.cron.RemoveByTags(tag)

	start := gocron.OneTimeJobStartDateTime(at.UTC())
	if !at.After(s.clock.Now()) {
		start = gocron.OneTimeJobStartImmediately()
	}
	_, err := s.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.fire, taskID, at),
		gocron.WithName(fmt.Sprintf("dispatch_task_%d", taskID)),
		gocron.WithTags("dispatch", tag),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule dispatch of task %d: %w", taskID, err)
	}
	s.logger.Debug().Int64("task_id", taskID).Time("next_run_at", at).Msg("dispatch armed")
	return nil
}

// fire runs a dispatch unless it was replaced or cancelled after being armed
func (s *Scheduler) fire(taskID int64, at time.Time) {
	logger := s.logger.With().Int64("task_id", taskID).Logger()
	current, err := s.db.CompleteDispatch(s.ctx, taskID, at)
	if err != nil {
		logger.Error().Err(err).Msg("failed to complete dispatch")
		return
	}
	if !current {
		s.rearmStored(taskID, at, logger)
		return
	}

	if _, err := s.runner.Execute(s.ctx, taskID, executor.Scheduled); err != nil {
		logger.Error().Err(err).Msg("dispatched run failed")
	}
}

// rearmStored arms the dispatch row that superseded the one armed for at.
// The row may have been written by another process with its own scheduler.
func (s *Scheduler) rearmStored(taskID int64, at time.Time, logger zerolog.Logger) {
	d, err := s.db.GetDispatch(s.ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Debug().Msg("dropping cancelled dispatch")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to load dispatch")
		return
	}
	if d.RunAt.Equal(at.Truncate(time.Millisecond)) {
		return
	}
	logger.Debug().Time("next_run_at", d.RunAt).Msg("re-arming superseded dispatch")
	if err := s.arm(taskID, d.RunAt); err != nil {
		logger.Error().Err(err).Msg("failed to re-arm dispatch")
	}
}

// Sweep claims every due task and starts a run for each. It returns the
// number of tasks claimed.
func (s *Scheduler) Sweep(ctx context.Context) int {
	tasks, err := s.db.ListDueCandidates(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep failed to list tasks")
		return 0
	}

	now := s.clock.Now()
	guard := now.Add(GuardOffset)
	claimed := 0
	for _, task := range tasks {
		if task.NextRunAt == nil || task.NextRunAt.After(now) {
			continue
		}
		ok, err := s.db.ClaimDue(ctx, task.ID, now, guard)
		if err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("sweep failed to claim task")
			continue
		}
		if !ok {
			continue
		}
		claimed++

		original := *task.NextRunAt
		s.wg.Add(1)
		go func(taskID int64) {
			defer s.wg.Done()
			s.runClaimed(ctx, taskID, guard, original)
		}(task.ID)
	}

	if claimed > 0 {
		s.logger.Info().Int("claimed", claimed).Msg("sweep dispatched overdue tasks")
	}
	return claimed
}

func (s *Scheduler) runClaimed(ctx context.Context, taskID int64, guard, original time.Time) {
	logger := s.logger.With().Int64("task_id", taskID).Logger()
	out, err := s.runner.Execute(ctx, taskID, executor.Scheduled)
	if err != nil {
		logger.Error().Err(err).Msg("swept run failed")
	}
	if out != nil {
		return
	}
	// Nothing ran, so put the schedule back for the next cycle
	restored, err := s.db.RestoreNextRun(context.WithoutCancel(ctx), taskID, guard, original)
	if err != nil {
		logger.Error().Err(err).Msg("failed to restore next run")
		return
	}
	if restored {
		logger.Debug().Time("next_run_at", original).Msg("restored next run of skipped task")
	}
}

func dispatchTag(taskID int64) string {
	return fmt.Sprintf("task_id:%d", taskID)
}

// cronLogger adapts zerolog to the gocron logger interface
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debug().Fields(args).Msg(msg) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Debug().Fields(args).Msg(msg) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warn().Fields(args).Msg(msg) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Error().Fields(args).Msg(msg) }
