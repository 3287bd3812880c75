package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/storage"
)

type stubReconciler struct {
	calls int
	err   error
}

func (s *stubReconciler) ReconcileCurrent(context.Context) error {
	s.calls++
	return s.err
}

type apiFixture struct {
	ledger     *storage.SQLiteRunLedger
	store      *storage.FileSettingsStore
	reconciler *stubReconciler
	server     *Server
	http       *httptest.Server
}

func newAPIFixture(t *testing.T, config Config) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ledger, err := storage.NewSQLiteRunLedger(logger, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	store, err := storage.NewFileSettingsStore(logger, "")
	require.NoError(t, err)

	f := &apiFixture{ledger: ledger, store: store, reconciler: &stubReconciler{}}
	f.server = NewServer(config, ledger, store, f.reconciler, logger)
	f.server.now = func() time.Time { return time.Date(2025, 1, 6, 8, 0, 0, 0, time.Local) }
	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *apiFixture) insertRun(t *testing.T, id, taskID string, startedAt int64, status model.RunStatus) *model.RunRecord {
	t.Helper()
	run := &model.RunRecord{ID: id, TaskID: taskID, Status: model.RunStatusRunning, StartedAt: startedAt}
	require.NoError(t, f.ledger.Insert(context.Background(), run))
	if status.Terminal() {
		run.Status = status
		run.FinishedAt = startedAt + 10
		run.DurationMs = 10
		require.NoError(t, f.ledger.Finish(context.Background(), run))
	}
	return run
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, Config{})
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRecentRuns(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.insertRun(t, "r1", "t1", 1000, model.RunStatusSuccess)
	f.insertRun(t, "r2", "t1", 2000, model.RunStatusFailed)
	f.insertRun(t, "r3", "t2", 3000, model.RunStatusRunning)

	var all runListResponse
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/runs", &all))
	require.Len(t, all.Runs, 2)
	assert.Equal(t, "r2", all.Runs[0].ID)
	assert.Equal(t, "r1", all.Runs[1].ID)

	var limited runListResponse
	getJSON(t, f.http.URL+"/v1/runs?limit=1", &limited)
	require.Len(t, limited.Runs, 1)
	assert.Equal(t, "r2", limited.Runs[0].ID)
}

func TestTaskRuns(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.insertRun(t, "r1", "t1", 1000, model.RunStatusSuccess)
	f.insertRun(t, "r2", "t2", 2000, model.RunStatusSuccess)

	var body runListResponse
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/tasks/t1/runs", &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "r1", body.Runs[0].ID)

	var empty runListResponse
	getJSON(t, f.http.URL+"/v1/tasks/none/runs", &empty)
	assert.NotNil(t, empty.Runs)
	assert.Empty(t, empty.Runs)
}

func TestGetRun(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.insertRun(t, "r1", "t1", 1000, model.RunStatusSuccess)

	var run model.RunRecord
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/runs/r1", &run))
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.http.URL+"/v1/runs/missing", nil))
}

func TestListTasks(t *testing.T) {
	f := newAPIFixture(t, Config{})
	_, err := f.store.Update(context.Background(), func(s model.Settings) model.Settings {
		s.Tasks = []model.ScheduledTask{
			{ID: "a", Enabled: true, Prompt: "Daily digest", Recurrence: model.Daily{TimeOfDayMinutes: 9 * 60}},
			{ID: "b", Enabled: false, Prompt: "Paused", Recurrence: model.Daily{}},
		}
		return s
	})
	require.NoError(t, err)

	var body taskListResponse
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/tasks", &body))
	require.Len(t, body.Tasks, 2)

	a := body.Tasks[0]
	assert.Equal(t, "Daily digest", a.DisplayTitle)
	assert.True(t, a.Eligible)
	require.NotNil(t, a.NextTriggerAt)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.Local).UnixMilli(), *a.NextTriggerAt)
	assert.Equal(t, model.Daily{TimeOfDayMinutes: 9 * 60}, a.Task.Recurrence)

	assert.False(t, body.Tasks[1].Eligible)
	assert.Nil(t, body.Tasks[1].NextTriggerAt)
}

func TestReconcileEndpoint(t *testing.T) {
	f := newAPIFixture(t, Config{})

	resp, err := http.Post(f.http.URL+"/v1/reconcile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.reconciler.calls)

	f.reconciler.err = errors.New("scheduler down")
	resp, err = http.Post(f.http.URL+"/v1/reconcile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAuthToken(t *testing.T) {
	f := newAPIFixture(t, Config{AuthToken: "secret"})

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, f.http.URL+"/v1/runs", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/v1/runs?token=secret", nil))

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open without a token
	assert.Equal(t, http.StatusOK, getJSON(t, f.http.URL+"/healthz", nil))
}

type sseEvent struct {
	name string
	data string
}

func readEvents(scanner *bufio.Scanner, events chan<- sseEvent) {
	defer close(events)
	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events <- current
			current = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return sseEvent{}
	}
}

func TestRunStream(t *testing.T) {
	f := newAPIFixture(t, Config{})
	run := f.insertRun(t, "r1", "t1", 1000, model.RunStatusRunning)

	resp, err := http.Get(f.http.URL + "/v1/runs/r1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 10)
	go readEvents(bufio.NewScanner(resp.Body), events)

	first := nextEvent(t, events)
	assert.Equal(t, "run", first.name)
	var got model.RunRecord
	require.NoError(t, json.Unmarshal([]byte(first.data), &got))
	assert.Equal(t, model.RunStatusRunning, got.Status)

	run.Status = model.RunStatusSuccess
	run.FinishedAt = 2000
	run.ResultText = "done"
	require.NoError(t, f.ledger.Finish(context.Background(), run))

	second := nextEvent(t, events)
	assert.Equal(t, "run", second.name)
	require.NoError(t, json.Unmarshal([]byte(second.data), &got))
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, "done", got.ResultText)

	assert.Equal(t, "end", nextEvent(t, events).name)
}

func TestRunStream_UnknownRun(t *testing.T) {
	f := newAPIFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.http.URL+"/v1/runs/missing/stream", nil))
}

func TestRecentRunsStream(t *testing.T) {
	f := newAPIFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/v1/runs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 10)
	go readEvents(bufio.NewScanner(resp.Body), events)

	var body runListResponse
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events).data), &body))
	assert.Empty(t, body.Runs)

	f.insertRun(t, "r1", "t1", 1000, model.RunStatusSuccess)

	assert.Eventually(t, func() bool {
		select {
		case ev := <-events:
			var update runListResponse
			return json.Unmarshal([]byte(ev.data), &update) == nil && len(update.Runs) == 1
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}
