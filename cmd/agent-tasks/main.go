package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kylemclaren/agent-tasks/internal/api"
	"github.com/kylemclaren/agent-tasks/internal/config"
	"github.com/kylemclaren/agent-tasks/internal/version"
)

var errRunFailed = errors.New("run failed")

func main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "serve":
		err = runServer(os.Args[2:])
	case "run":
		err = runTask(os.Args[2:])
	case "list":
		err = listTasks(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errorMsgStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// loadApp parses the common flags of a command and wires the components
func loadApp(fs *flag.FlagSet, args []string) (*app, error) {
	configPath := fs.String("config", os.Getenv("AGENT_TASKS_CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, newLogger(cfg.Log))
}

func runDaemon(args []string) error {
	a, err := loadApp(flag.NewFlagSet("daemon", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	defer a.close()

	pidPath := filepath.Join(a.cfg.DataDir, "daemon.pid")
	if pid, running := isDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}
	a.logger.Info().Int("pid", os.Getpid()).Str("db", a.cfg.DBPath).Msg("agent-tasks daemon started")

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	return nil
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 0, "HTTP server port (default from config, 8080)")
	a, err := loadApp(fs, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *port == 0 {
		*port = a.cfg.Server.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           api.NewServer(a.tasks, a.events, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Str("db", a.cfg.DBPath).Msg("agent-tasks API server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runTask(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	a, err := loadApp(fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	if fs.NArg() != 1 {
		return errors.New("usage: agent-tasks run <task-id>")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task ID %q", fs.Arg(0))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println(dimStyle.Render(fmt.Sprintf("Running task %d...", id)))
	out, err := a.tasks.RunNow(ctx, "", id)
	if err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("task %d did not run", id)
	}
	fmt.Println(formatOutcome(out))
	if out.Failed {
		return errRunFailed
	}
	return nil
}

func listTasks(args []string) error {
	a, err := loadApp(flag.NewFlagSet("list", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.tasks.List(context.Background(), "")
	if err != nil {
		return err
	}
	fmt.Println(renderTaskTable(list, time.Now()))

	if pid, running := isDaemonRunning(filepath.Join(a.cfg.DataDir, "daemon.pid")); running {
		fmt.Println(dimStyle.Render(fmt.Sprintf("Daemon running (PID %d)", pid)))
	} else {
		fmt.Println(dimStyle.Render("Daemon not running"))
	}
	return nil
}

// isDaemonRunning checks if a daemon is running by reading PID file and checking process
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}

func printHelp() {
	fmt.Println(`agent-tasks - Schedule recurring agent jobs via cron

Usage:
  agent-tasks daemon        Run the scheduler in the foreground (for services)
  agent-tasks serve         Run the scheduler and the HTTP API
  agent-tasks run <id>      Run a task now and wait for the outcome
  agent-tasks list          List tasks
  agent-tasks version       Show version information
  agent-tasks help          Show this help message

Options:
  --config                  YAML config file (default: $AGENT_TASKS_CONFIG)
  --port                    HTTP server port for serve (default: 8080)

Environment Variables:
  AGENT_TASKS_DATA          Override data directory (default: ~/.agent-tasks)
  AGENT_API_KEY             Job API key
  AGENT_API_URL             Job API base URL
  RESEND_API_KEY            Resend key for email notifications
  RESEND_FROM_EMAIL         Sender address for email notifications
  AGENT_TASKS_PORT          HTTP server port
  AGENT_TASKS_LOG_LEVEL     Log level (debug, info, warn, error)
  AGENT_TASKS_LOG_FORMAT    console or json`)
}
