package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/config"
	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/notify"
	"github.com/kylemclaren/agent-tasks/internal/scheduler"
	"github.com/kylemclaren/agent-tasks/internal/stream"
	"github.com/kylemclaren/agent-tasks/internal/tasks"
)

// app holds the wired components shared by every command
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *db.DB
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	tasks     *tasks.Manager
	events    *stream.Manager
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	client := agent.NewClient(cfg.API.BaseURL, cfg.API.Key)
	if !client.Configured() {
		logger.Warn().Msg("job API key is not configured, runs will be skipped")
	}

	dispatcher := notify.NewDispatcher(database, logger)
	email := notify.NewEmail(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.From, cfg.Email.RatePerSecond)
	dispatcher.Register(db.ChannelResend, email)
	dispatcher.Register(db.ChannelEmail, email)
	dispatcher.Register(db.ChannelDiscord, notify.NewDiscord())
	dispatcher.Register(db.ChannelSlack, notify.NewSlack())

	events := stream.NewManager()
	exec := executor.New(database, client, logger,
		executor.WithPolling(cfg.Executor.PollInterval, cfg.Executor.MaxPolls),
		executor.WithNotifier(dispatcher),
		executor.WithEvents(events),
	)
	sched, err := scheduler.New(database, exec, logger, scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	exec.SetRearmer(sched)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		executor:  exec,
		scheduler: sched,
		tasks:     tasks.New(database, sched, exec, nil, logger),
		events:    events,
	}, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	return nil
}

// close stops the scheduler if it was started, waits for detached runs and
// closes the database
func (a *app) close() {
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Warn().Err(err).Msg("scheduler shutdown")
	}
	a.executor.Wait()
	a.db.Close()
}
