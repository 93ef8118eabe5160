package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/stream"
	"github.com/kylemclaren/agent-tasks/internal/tasks"
)

type nopDispatcher struct{}

func (nopDispatcher) ScheduleAt(context.Context, int64, time.Time) error { return nil }
func (nopDispatcher) Cancel(context.Context, int64) error                { return nil }

type stubRunner struct {
	err error
}

func (r *stubRunner) Execute(_ context.Context, id int64, _ executor.Mode) (*executor.Outcome, error) {
	return &executor.Outcome{TaskID: id}, r.err
}

func (r *stubRunner) ExecuteAsync(_ context.Context, _ int64) (int64, <-chan executor.AsyncResult, error) {
	if r.err != nil {
		return 0, nil, r.err
	}
	ch := make(chan executor.AsyncResult)
	close(ch)
	return 7, ch, nil
}

type testServer struct {
	*httptest.Server
	runner *stubRunner
	db     *db.DB
	events *stream.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	runner := &stubRunner{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	manager := tasks.New(database, nopDispatcher{}, runner, clock, zerolog.Nop())
	events := stream.NewManager()
	srv := httptest.NewServer(NewServer(manager, events, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, runner: runner, db: database, events: events}
}

func (s *testServer) do(t *testing.T, method, path, ownerID, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if ownerID != "" {
		req.Header.Set(OwnerHeader, ownerID)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *testServer) createTask(t *testing.T, ownerID string) TaskResponse {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/v1/tasks", ownerID,
		`{"name":"Digest","prompt":"Summarise","schedule":"0 9 * * *"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var task TaskResponse
	require.NoError(t, json.Unmarshal(body, &task))
	return task
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestTaskCRUD(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")

	assert.Equal(t, "active", task.Status)
	assert.Equal(t, "Daily at 9 AM", task.ScheduleDescription)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))

	path := "/api/v1/tasks/" + itoa(task.ID)
	resp, body := s.do(t, http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail TaskDetailResponse
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, task.ID, detail.ID)
	assert.Empty(t, detail.Results)

	resp, body = s.do(t, http.MethodPut, path, "", `{"status":"paused","name":"Renamed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated TaskResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "paused", updated.Status)
	assert.Equal(t, "Renamed", updated.Name)

	resp, _ = s.do(t, http.MethodPut, path, "", `{"status":"error"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/tasks", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	resp, _ = s.do(t, http.MethodDelete, path, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/tasks", "", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/tasks", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/tasks/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunTask(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")
	path := "/api/v1/tasks/" + itoa(task.ID) + "/run"

	resp, body := s.do(t, http.MethodPost, path, "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, int64(7), run.ResultID)

	tests := []struct {
		err  error
		code int
	}{
		{executor.ErrAlreadyRunning, http.StatusConflict},
		{executor.ErrMissingCredential, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		s.runner.err = tt.err
		resp, _ := s.do(t, http.MethodPost, path, "", "")
		assert.Equal(t, tt.code, resp.StatusCode, tt.err.Error())
	}

	resp, _ = s.do(t, http.MethodPost, "/api/v1/tasks/999/run", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResults(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")

	r := &db.ExecutionResult{TaskID: task.ID, Status: db.RunStatusSucceeded, StartedAt: time.Now()}
	require.NoError(t, s.db.InsertExecutionResult(context.Background(), r))

	resp, body := s.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(task.ID)+"/results?limit=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results ResultsResponse
	require.NoError(t, json.Unmarshal(body, &results))
	require.Equal(t, 1, results.Total)
	assert.Equal(t, "succeeded", results.Results[0].Status)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/results/"+itoa(r.ID), "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/v1/results/"+itoa(r.ID+1), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotifications(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")
	path := "/api/v1/tasks/" + itoa(task.ID) + "/notifications"

	resp, body := s.do(t, http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"task_id":`+itoa(task.ID)+`,"enabled":false,"channels":[]}`, string(body))

	resp, body = s.do(t, http.MethodPut, path, "",
		`{"enabled":true,"channels":[{"channel":"discord","webhookUrl":"https://discord.com/api/webhooks/1","onFailure":true}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var pref db.NotificationPreference
	resp, body = s.do(t, http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &pref))
	assert.True(t, pref.Enabled)
	require.Len(t, pref.Channels, 1)
	assert.Equal(t, "discord", pref.Channels[0].Channel)

	resp, _ = s.do(t, http.MethodPut, path, "", `{"enabled":true,"channels":[{"channel":"pager"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOwnershipAndClaim(t *testing.T) {
	s := newTestServer(t)
	orphan := s.createTask(t, "")
	owned := s.createTask(t, "alice")

	resp, _ := s.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(owned.ID), "bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/api/v1/claim", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"claimed":1}`, string(body))

	resp, _ = s.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(orphan.ID), "bob", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/stats", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats db.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Total)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/claim", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodOptions, "/api/v1/tasks", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamResult(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")

	r := &db.ExecutionResult{TaskID: task.ID, RunID: "run-1", Status: db.RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, s.db.InsertExecutionResult(context.Background(), r))

	done := make(chan string, 1)
	go func() {
		resp, err := s.Client().Get(s.URL + "/api/v1/results/" + itoa(r.ID) + "/events")
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		done <- string(data)
	}()

	require.Eventually(t, func() bool { return s.events.Subscribers(r.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.events.Publish(stream.Event{ResultID: r.ID, TaskID: task.ID, RunID: "run-1", Status: "succeeded", Final: true})

	var body string
	select {
	case body = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the final event")
	}
	assert.Contains(t, body, "event: status\ndata: ")
	assert.Contains(t, body, `"status":"running"`)
	assert.Contains(t, body, "event: complete\ndata: ")
	assert.Contains(t, body, `"status":"succeeded"`)
	assert.Eventually(t, func() bool { return s.events.Subscribers(r.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamFinishedResult(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t, "")

	r := &db.ExecutionResult{TaskID: task.ID, Status: db.RunStatusFailed, StartedAt: time.Now(), Error: "Run failed"}
	require.NoError(t, s.db.InsertExecutionResult(context.Background(), r))

	resp, body := s.do(t, http.MethodGet, "/api/v1/results/"+itoa(r.ID)+"/events", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, strings.Count(string(body), "event: "))
	assert.Contains(t, string(body), `"final":true`)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/results/9999/events", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
