package tasks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
)

var epoch = time.Date(2026, 3, 10, 10, 7, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu        sync.Mutex
	armed     map[int64]time.Time
	cancelled []int64
}

func (d *fakeDispatcher) ScheduleAt(_ context.Context, taskID int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed[taskID] = at
	return nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, taskID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.armed, taskID)
	d.cancelled = append(d.cancelled, taskID)
	return nil
}

type fakeRunner struct {
	asyncErr error
	calls    []int64
	modes    []executor.Mode
}

func (r *fakeRunner) Execute(_ context.Context, taskID int64, mode executor.Mode) (*executor.Outcome, error) {
	r.calls = append(r.calls, taskID)
	r.modes = append(r.modes, mode)
	return &executor.Outcome{TaskID: taskID, Status: db.RunStatusSucceeded}, nil
}

func (r *fakeRunner) ExecuteAsync(_ context.Context, taskID int64) (int64, <-chan executor.AsyncResult, error) {
	if r.asyncErr != nil {
		return 0, nil, r.asyncErr
	}
	r.calls = append(r.calls, taskID)
	ch := make(chan executor.AsyncResult, 1)
	ch <- executor.AsyncResult{}
	close(ch)
	return 42, ch, nil
}

func newManager(t *testing.T) (*Manager, *db.DB, *fakeDispatcher, *fakeRunner) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	d := &fakeDispatcher{armed: map[int64]time.Time{}}
	r := &fakeRunner{}
	return New(database, d, r, clockwork.NewFakeClockAt(epoch), zerolog.Nop()), database, d, r
}

func validInput() CreateInput {
	return CreateInput{Name: "Daily digest", Prompt: "Summarise the news", Schedule: "*/15 * * * *"}
}

func TestCreate(t *testing.T) {
	m, _, d, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	assert.Equal(t, db.TaskStatusActive, task.Status)
	assert.Equal(t, DefaultType, task.Type)
	assert.Equal(t, agent.DefaultEngine, task.Engine)
	assert.Equal(t, 0, task.ConsecutiveFailures)
	require.NotNil(t, task.NextRunAt)
	want := time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)
	assert.True(t, task.NextRunAt.Equal(want), "next run %s", task.NextRunAt)
	assert.True(t, d.armed[task.ID].Equal(want))
}

func TestCreateInvalidScheduleHasNoNextRun(t *testing.T) {
	m, _, d, _ := newManager(t)

	in := validInput()
	in.Schedule = "every tuesday"
	task, err := m.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, task.NextRunAt)
	assert.Empty(t, d.armed)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing name", func(in *CreateInput) { in.Name = " " }},
		{"missing prompt", func(in *CreateInput) { in.Prompt = "" }},
		{"missing schedule", func(in *CreateInput) { in.Schedule = "" }},
		{"bad tool", func(in *CreateInput) { in.Tools = []json.RawMessage{json.RawMessage(`{"type":"bogus"}`)} }},
		{"notify without email", func(in *CreateInput) { in.Notify = &NotifyTarget{OnFailure: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, _ := newManager(t)
			in := validInput()
			tt.mutate(&in)
			_, err := m.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestCreateLimit(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < MaxTasks; i++ {
		_, err := m.Create(ctx, validInput())
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, validInput())
	assert.ErrorIs(t, err, ErrTaskLimit)
	assert.EqualError(t, err, "maximum 50 tasks allowed")

	// The limit is counted per owner.
	in := validInput()
	in.OwnerID = "alice"
	_, err = m.Create(ctx, in)
	assert.NoError(t, err)
}

func TestCreateWithNotifyTarget(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	in := validInput()
	in.Notify = &NotifyTarget{Email: "ops@example.com", OnFailure: true}
	task, err := m.Create(ctx, in)
	require.NoError(t, err)

	pref, err := m.GetNotifications(ctx, "", task.ID)
	require.NoError(t, err)
	assert.True(t, pref.Enabled)
	require.Len(t, pref.Channels, 1)
	assert.Equal(t, db.ChannelResend, pref.Channels[0].Channel)
	assert.Equal(t, "ops@example.com", pref.Channels[0].To)
	assert.False(t, pref.Channels[0].OnSuccess)
	assert.True(t, pref.Channels[0].OnFailure)
}

func TestUpdatePauseAndResume(t *testing.T) {
	m, _, d, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	paused := db.TaskStatusPaused
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusPaused, task.Status)
	assert.Contains(t, d.cancelled, task.ID)
	assert.NotContains(t, d.armed, task.ID)

	active := db.TaskStatusActive
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Status: &active})
	require.NoError(t, err)
	assert.Contains(t, d.armed, task.ID)
}

func TestUpdateRejectsErrorStatus(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	status := db.TaskStatusError
	_, err = m.Update(ctx, "", task.ID, UpdateInput{Status: &status})
	assert.True(t, IsValidation(err))
}

func TestUpdateScheduleRecomputesNextRun(t *testing.T) {
	m, _, d, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	hourly := "0 * * * *"
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Schedule: &hourly})
	require.NoError(t, err)
	want := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(want))
	assert.True(t, d.armed[task.ID].Equal(want))

	zone := "America/New_York"
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Timezone: &zone})
	require.NoError(t, err)
	assert.True(t, task.NextRunAt.Equal(want), "hourly boundaries align across zones")

	override := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Schedule: &hourly, NextRunAt: &override})
	require.NoError(t, err)
	assert.True(t, task.NextRunAt.Equal(override))
}

func TestUpdateKeepsFailureCounter(t *testing.T) {
	m, database, _, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = database.FinishRun(ctx, task.ID, db.RunCompletion{
		LastRunStatus:       db.RunStatusFailed,
		ConsecutiveFailures: 3,
		NextRunAt:           task.NextRunAt,
	})
	require.NoError(t, err)

	name := "Renamed"
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", task.Name)

	stored, err := database.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ConsecutiveFailures)
	assert.Equal(t, "Renamed", stored.Name)
}

func TestUpdateKeepsSystemStatus(t *testing.T) {
	m, database, _, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)
	next := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	_, err = database.FinishRun(ctx, task.ID, db.RunCompletion{
		LastRunStatus:       db.RunStatusFailed,
		ConsecutiveFailures: 5,
		Status:              db.TaskStatusError,
		NextRunAt:           &next,
	})
	require.NoError(t, err)

	name := "Renamed"
	task, err = m.Update(ctx, "", task.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusError, task.Status)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(next))
}

func TestDelete(t *testing.T) {
	m, database, d, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)
	require.NoError(t, database.InsertExecutionResult(ctx, &db.ExecutionResult{
		TaskID: task.ID, Status: db.RunStatusSucceeded, StartedAt: epoch,
	}))

	require.NoError(t, m.Delete(ctx, "", task.ID))
	assert.Contains(t, d.cancelled, task.ID)

	_, err = m.Get(ctx, "", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := database.CountExecutionResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, m.Delete(ctx, "", task.ID), ErrNotFound)
}

func TestOwnerVisibility(t *testing.T) {
	m, _, _, r := newManager(t)
	ctx := context.Background()

	in := validInput()
	in.OwnerID = "alice"
	task, err := m.Create(ctx, in)
	require.NoError(t, err)

	_, err = m.Get(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Trigger(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.calls)

	_, err = m.Get(ctx, "alice", task.ID)
	assert.NoError(t, err)
	_, err = m.Get(ctx, "", task.ID)
	assert.NoError(t, err)

	list, err := m.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSortTasks(t *testing.T) {
	at := func(h int) *time.Time {
		ts := time.Date(2026, 3, 10, h, 0, 0, 0, time.UTC)
		return &ts
	}
	list := []*db.Task{
		{Name: "err", Status: db.TaskStatusError, LastRunAt: at(9)},
		{Name: "paused", Status: db.TaskStatusPaused},
		{Name: "b-never", Status: db.TaskStatusActive},
		{Name: "a-never", Status: db.TaskStatusActive},
		{Name: "old", Status: db.TaskStatusActive, LastRunAt: at(1)},
		{Name: "new", Status: db.TaskStatusActive, LastRunAt: at(8)},
	}
	SortTasks(list)

	var names []string
	for _, task := range list {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{"new", "old", "a-never", "b-never", "paused", "err"}, names)
}

func TestResultsAndStats(t *testing.T) {
	m, database, _, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NoError(t, database.InsertExecutionResult(ctx, &db.ExecutionResult{
			TaskID: task.ID, Status: db.RunStatusSucceeded, StartedAt: epoch.Add(time.Duration(i) * time.Minute),
		}))
	}

	withResults, err := m.GetWithResults(ctx, "", task.ID)
	require.NoError(t, err)
	require.Len(t, withResults.Results, RecentResults)
	assert.True(t, withResults.Results[0].StartedAt.Equal(epoch.Add(6*time.Minute)))

	results, err := m.ListResults(ctx, "", task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, results, 7)

	result, err := m.GetResult(ctx, "", results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, result.TaskID)
	_, err = m.GetResult(ctx, "", 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := m.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Active)
}

func TestTriggerAndRunNow(t *testing.T) {
	m, _, _, r := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	resultID, err := m.Trigger(ctx, "", task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resultID)

	out, err := m.RunNow(ctx, "", task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSucceeded, out.Status)
	assert.Equal(t, []executor.Mode{executor.Interactive}, r.modes)

	r.asyncErr = executor.ErrAlreadyRunning
	_, err = m.Trigger(ctx, "", task.ID)
	assert.ErrorIs(t, err, executor.ErrAlreadyRunning)
}

func TestClaimOrphaned(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = m.Create(ctx, validInput())
	require.NoError(t, err)

	n, err := m.ClaimOrphaned(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.ClaimOrphaned(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := m.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = m.ClaimOrphaned(ctx, "")
	assert.True(t, IsValidation(err))
}

func TestNotifications(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, validInput())
	require.NoError(t, err)

	pref, err := m.GetNotifications(ctx, "", task.ID)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)
	assert.Empty(t, pref.Channels)

	channels := []db.ChannelConfig{
		{Channel: db.ChannelResend, To: "me@example.com", OnSuccess: true},
		{Channel: db.ChannelSlack, WebhookURL: "https://hooks.slack.com/services/x", OnFailure: true},
	}
	_, err = m.SetNotifications(ctx, "", task.ID, true, channels)
	require.NoError(t, err)

	pref, err = m.GetNotifications(ctx, "", task.ID)
	require.NoError(t, err)
	assert.True(t, pref.Enabled)
	assert.Equal(t, channels, pref.Channels)

	invalid := [][]db.ChannelConfig{
		{{Channel: "pager"}},
		{{Channel: db.ChannelEmail}},
		{{Channel: db.ChannelDiscord, WebhookURL: "not a url"}},
	}
	for _, chans := range invalid {
		_, err := m.SetNotifications(ctx, "", task.ID, true, chans)
		assert.True(t, IsValidation(err), "%+v", chans)
	}
}
