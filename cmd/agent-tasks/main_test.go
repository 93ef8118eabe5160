package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestRenderTaskTable(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Hour)
	next := now.Add(15 * time.Minute)

	out := renderTaskTable([]*db.Task{
		{ID: 1, Name: "Morning brief", Schedule: "0 9 * * *", Status: db.TaskStatusActive,
			LastRunAt: &last, LastRunStatus: "succeeded", NextRunAt: &next},
		{ID: 2, Name: "Broken", Schedule: "*/5 * * * *", Status: db.TaskStatusError, ConsecutiveFailures: 5},
	}, now)

	assert.Contains(t, out, "Morning brief")
	assert.Contains(t, out, "Daily at 9 AM")
	assert.Contains(t, out, "2h ago ✓")
	assert.Contains(t, out, "in 15m")
	assert.Contains(t, out, "error (5 failures)")
	assert.Contains(t, out, "never")

	assert.Contains(t, renderTaskTable(nil, now), "No tasks yet")
}

func TestRelative(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	assert.Equal(t, "-", relative(nil, now))
	assert.Equal(t, "in 30s", relative(at(30*time.Second), now))
	assert.Equal(t, "5m ago", relative(at(-5*time.Minute), now))
	assert.Equal(t, "in 3d", relative(at(72*time.Hour), now))
}

func TestFormatOutcome(t *testing.T) {
	ok := formatOutcome(&executor.Outcome{
		RunID:    "run-1",
		Status:   db.RunStatusSucceeded,
		Result:   json.RawMessage(`{"answer":"All clear"}`),
		Duration: 6 * time.Second,
	})
	assert.Contains(t, ok, "✓ succeeded")
	assert.Contains(t, ok, "run-1")
	assert.Contains(t, ok, "All clear")

	failed := formatOutcome(&executor.Outcome{Status: db.RunStatusFailed, Failed: true, Error: "Run failed"})
	assert.Contains(t, failed, "✗ failed")
	assert.Contains(t, failed, "Run failed")
}

func TestIsDaemonRunning(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "daemon.pid")

	_, running := isDaemonRunning(pidPath)
	assert.False(t, running)

	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644))
	pid, running := isDaemonRunning(pidPath)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, os.WriteFile(pidPath, []byte("garbage"), 0o644))
	_, running = isDaemonRunning(pidPath)
	assert.False(t, running)
}
