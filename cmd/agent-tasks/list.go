package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/schedule"
)

func renderTaskTable(list []*db.Task, now time.Time) string {
	if len(list) == 0 {
		return emptyBoxStyle.Render("No tasks yet")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "NAME", "SCHEDULE", "STATUS", "LAST RUN", "NEXT RUN").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, task := range list {
		t.Row(
			strconv.FormatInt(task.ID, 10),
			truncate(task.Name, 32),
			schedule.Describe(task.Schedule),
			taskStatus(task),
			lastRun(task, now),
			relative(task.NextRunAt, now),
		)
	}
	return t.Render()
}

func taskStatus(task *db.Task) string {
	switch {
	case task.IsRunning():
		return statusRunning.Render("running")
	case task.Status == db.TaskStatusError:
		return statusFail.Render(fmt.Sprintf("error (%d failures)", task.ConsecutiveFailures))
	case task.Status == db.TaskStatusPaused:
		return statusPending.Render("paused")
	default:
		return statusOK.Render(string(task.Status))
	}
}

func lastRun(task *db.Task, now time.Time) string {
	if task.LastRunAt == nil {
		return "never"
	}
	s := relative(task.LastRunAt, now)
	switch {
	case task.LastRunStatus == "":
	case executor.IsFailure(task.LastRunStatus):
		s += " " + statusFail.Render("✗")
	default:
		s += " " + statusOK.Render("✓")
	}
	return s
}

// relative formats t as a short offset from now, such as "in 5m" or "2h ago"
func relative(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	d := t.Sub(now)
	if d >= 0 {
		return "in " + short(d)
	}
	return short(-d) + " ago"
}

func short(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatOutcome(out *executor.Outcome) string {
	var b strings.Builder
	if out.Failed {
		b.WriteString(statusFail.Render("✗ " + string(out.Status)))
	} else {
		b.WriteString(statusOK.Render("✓ " + string(out.Status)))
	}
	fmt.Fprintf(&b, " %s\n", dimStyle.Render(fmt.Sprintf("(run %s, %s)", orDash(out.RunID), out.Duration.Round(time.Millisecond))))

	if out.Failed {
		b.WriteString(out.Error)
	} else if text, ok := agent.ExtractText(out.Result); ok {
		b.WriteString(text)
	} else {
		b.WriteString(dimStyle.Render("The task completed but returned no output."))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
