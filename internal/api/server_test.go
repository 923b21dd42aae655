package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/dispatcher"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/metrics"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/scheduler"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

type testServer struct {
	*httptest.Server
	sup     *workflow.Supervisor
	release chan struct{}
}

// newTestServer wires the real stores. The first step blocks until release
// is closed so control operations can be observed mid-run.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	tasks := store.NewSQLiteStore(db)
	contexts := contextstore.New(tasks)
	t.Cleanup(contexts.Wait)
	jobs := queue.NewSQLiteRepo(db)
	bus := events.NewBus()

	release := make(chan struct{})
	steps := workflow.NewSteps()
	for step := domain.FirstStep; step <= domain.LastStep; step++ {
		step := step
		require.NoError(t, steps.Register(step, workflow.StepHandlerFunc(func(ctx context.Context, _ domain.Task, _ *contextstore.Context) (contextstore.StepResult, error) {
			if step == domain.FirstStep {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return contextstore.NewResult(step)
		})))
	}
	sup := workflow.NewSupervisor(tasks, contexts, steps, bus)

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	handler := NewServer(Deps{
		Tasks:     tasks,
		Workflows: sup,
		Contexts:  contexts,
		Jobs:      jobs,
		Enqueuer:  dispatcher.New(jobs, bus, dispatcher.Options{}),
		Schedules: jobs,
		Scheduler: scheduler.NewService(jobs, nil, time.Minute),
		Gatherer:  reg,
	})
	ts := &testServer{Server: httptest.NewServer(handler), sup: sup, release: release}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (ts *testServer) createTask(t *testing.T) domain.Task {
	t.Helper()
	code, raw := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Add login page", "project_id": "proj_1"})
	require.Equal(t, http.StatusCreated, code, string(raw))
	return decodeInto[domain.Task](t, raw)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(raw))

	code, raw = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "devflow_metrics_events_dropped")
}

func TestTaskCRUD(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, domain.FirstStep, task.CurrentStep)

	code, raw := ts.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, task.ID, decodeInto[domain.Task](t, raw).ID)

	code, raw = ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeInto[[]domain.Task](t, raw), 1)

	code, _ = ts.do(t, http.MethodGet, "/api/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/api/tasks", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/api/tasks?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTaskControl(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(t)
	base := "/api/tasks/" + task.ID

	code, raw := ts.do(t, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusConflict, code, string(raw))
	code, _ = ts.do(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, raw = ts.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))
	st := decodeInto[workflow.State](t, raw)
	assert.Equal(t, domain.TaskInProgress, st.Status)
	assert.True(t, st.IsRunning)

	code, _ = ts.do(t, http.MethodPost, base+"/start", map[string]int{"startStep": 1})
	assert.Equal(t, http.StatusConflict, code)

	code, raw = ts.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.True(t, decodeInto[workflow.State](t, raw).IsPaused)

	code, raw = ts.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))

	code, raw = ts.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, domain.TaskCancelled, decodeInto[workflow.State](t, raw).Status)

	code, _ = ts.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code, "cancelling twice succeeds")

	close(ts.release)
	code, _ = ts.do(t, http.MethodPost, base+"/transition", map[string]any{"stepNumber": 3})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, http.MethodPost, "/api/tasks/task_missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskRunAndInspect(t *testing.T) {
	ts := newTestServer(t)
	close(ts.release)
	task := ts.createTask(t)
	base := "/api/tasks/" + task.ID

	code, _ := ts.do(t, http.MethodPost, base+"/transition", map[string]any{"stepNumber": 17})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, base+"/transition", map[string]any{"stepNumber": 2, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw := ts.do(t, http.MethodPost, base+"/transition", map[string]any{"stepNumber": 14, "reason": "skip to pr"})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, 14, decodeInto[workflow.State](t, raw).CurrentStep)

	code, raw = ts.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))

	require.Eventually(t, func() bool {
		code, raw := ts.do(t, http.MethodGet, base+"/state", nil)
		return code == http.StatusOK && decodeInto[workflow.State](t, raw).IsCompleted
	}, 5*time.Second, 20*time.Millisecond)

	code, raw = ts.do(t, http.MethodGet, base+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	history := decodeInto[[]workflow.HistoryEntry](t, raw)
	require.NotEmpty(t, history)
	assert.Equal(t, workflow.HistoryTransition, history[0].Kind)

	code, raw = ts.do(t, http.MethodGet, base+"/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, decodeInto[metrics.TaskSummary](t, raw).StepsCompleted)

	code, raw = ts.do(t, http.MethodGet, base+"/context?path=task.title", nil)
	require.Equal(t, http.StatusOK, code)
	part := decodeInto[contextPartResp](t, raw)
	assert.Equal(t, "Add login page", part.Value)

	code, raw = ts.do(t, http.MethodGet, base+"/context", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, task.ID, decodeInto[contextstore.Context](t, raw).Task.ID)

	code, _ = ts.do(t, http.MethodGet, "/api/tasks/task_missing/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestJobs(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"type": "analyze-project", "payload": map[string]string{"path": "/srv/repo"}, "priority": 7,
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	job := decodeInto[jobView](t, raw)
	assert.JSONEq(t, `{"path":"/srv/repo"}`, string(job.Payload))
	assert.Equal(t, 7, job.Priority)

	code, _ = ts.do(t, http.MethodPost, "/api/jobs", map[string]any{"type": "analyze-project", "payload": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/api/jobs", map[string]any{"type": "deploy"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.JobPending, decodeInto[jobView](t, raw).Status)

	code, raw = ts.do(t, http.MethodGet, "/api/jobs?status=pending&limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeInto[[]jobView](t, raw), 1)

	code, _ = ts.do(t, http.MethodGet, "/api/jobs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = ts.do(t, http.MethodGet, "/api/jobs/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decodeInto[queue.Stats](t, raw).Total)

	code, _ = ts.do(t, http.MethodGet, "/api/jobs/job_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSchedules(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "0 2 * * *", "job_type": "analyze-project",
		"payload": map[string]string{"path": "/srv/repo"},
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	sch := decodeInto[scheduleView](t, raw)
	assert.True(t, sch.Enabled)
	assert.True(t, sch.NextRun.After(time.Now()))

	code, raw = ts.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "broken", "cron_expr": "whenever", "job_type": "analyze-project", "payload": map[string]string{"path": "."},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(raw), "invalid cron expression")

	code, raw = ts.do(t, http.MethodPut, "/api/schedules/"+sch.ID, map[string]any{"cron_expr": "61 * * * *"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(raw), "invalid cron expression")

	code, raw = ts.do(t, http.MethodPut, "/api/schedules/"+sch.ID, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.False(t, decodeInto[scheduleView](t, raw).Enabled)

	code, raw = ts.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, code)
	list := decodeInto[[]scheduleView](t, raw)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	code, _ = ts.do(t, http.MethodDelete, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = ts.do(t, http.MethodDelete, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = ts.do(t, http.MethodGet, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
