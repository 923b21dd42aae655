package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
)

func newRepo(t *testing.T) *queue.SQLiteRepo {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func fastOptions() Options {
	return Options{PollInterval: 10 * time.Millisecond, Concurrency: 1, JobTimeout: time.Second}
}

func waitStatus(t *testing.T, repo queue.Repository, id string, want domain.JobStatus) domain.QueueJob {
	t.Helper()
	var job domain.QueueJob
	require.Eventually(t, func() bool {
		var err error
		job, err = repo.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func enqueue(t *testing.T, d *Dispatcher, p queue.Payload, priority int) domain.QueueJob {
	t.Helper()
	req, err := queue.NewRequest(p, priority)
	require.NoError(t, err)
	job, err := d.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestDispatchCompletesAndChainsFollowUps(t *testing.T) {
	repo := newRepo(t)
	bus := events.NewBus()
	sub := bus.Subscribe(events.TopicQueue, 32)
	d := New(repo, bus, fastOptions())

	var gotTask atomic.Value
	d.Register(domain.JobGenerateCode, HandlerFunc(func(_ context.Context, _ domain.QueueJob, p queue.Payload) ([]queue.JobRequest, error) {
		gen := p.(*queue.GenerateCodePayload)
		gotTask.Store(gen.TaskID)
		req, err := queue.NewRequest(queue.CommitCodePayload{
			TaskID: gen.TaskID, Branch: "feature/x", Message: "generated", Files: map[string]string{"a.go": "package a"},
		}, 7)
		return []queue.JobRequest{req}, err
	}))
	var commits atomic.Int32
	d.Register(domain.JobCommitCode, HandlerFunc(func(context.Context, domain.QueueJob, queue.Payload) ([]queue.JobRequest, error) {
		commits.Add(1)
		return nil, nil
	}))

	job := enqueue(t, d, queue.GenerateCodePayload{TaskID: "task_1"}, 5)
	d.Start(context.Background())
	defer d.Stop()

	done := waitStatus(t, repo, job.ID, domain.JobCompleted)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "task_1", gotTask.Load())
	require.Eventually(t, func() bool { return commits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		completed, err := repo.GetTasks(context.Background(), domain.JobCompleted, 10, 0)
		return err == nil && len(completed) == 2
	}, 5*time.Second, 10*time.Millisecond)

	seen := map[events.Type]int{}
	for len(sub.C) > 0 {
		e := <-sub.C
		seen[e.Type]++
		assert.Equal(t, "task_1", e.TaskID)
	}
	assert.Equal(t, 2, seen[events.JobEnqueued])
	assert.Equal(t, 2, seen[events.JobClaimed])
	assert.GreaterOrEqual(t, seen[events.JobCompleted], 1)
}

func TestDispatchFailures(t *testing.T) {
	repo := newRepo(t)
	d := New(repo, events.NewBus(), fastOptions())

	var calls atomic.Int32
	d.Register(domain.JobDecompose, HandlerFunc(func(_ context.Context, _ domain.QueueJob, p queue.Payload) ([]queue.JobRequest, error) {
		calls.Add(1)
		switch p.(*queue.DecomposePayload).TaskID {
		case "task_err":
			return nil, errors.New("task is already running")
		case "task_panic":
			panic("nil map")
		}
		return nil, nil
	}))

	ctx := context.Background()
	malformed, err := repo.AddTask(ctx, queue.JobRequest{Type: domain.JobDecompose, Payload: json.RawMessage(`{"task":"x"}`)})
	require.NoError(t, err)
	unrouted, err := repo.AddTask(ctx, queue.JobRequest{Type: domain.JobAnalyzeProject, Payload: json.RawMessage(`{"path":"."}`)})
	require.NoError(t, err)
	failing := enqueue(t, d, queue.DecomposePayload{TaskID: "task_err"}, 5)
	panicking := enqueue(t, d, queue.DecomposePayload{TaskID: "task_panic"}, 5)

	d.Start(ctx)
	defer d.Stop()

	got := waitStatus(t, repo, malformed.ID, domain.JobFailed)
	assert.Contains(t, got.Error, "invalid argument")

	got = waitStatus(t, repo, unrouted.ID, domain.JobFailed)
	assert.Contains(t, got.Error, "no handler")

	got = waitStatus(t, repo, failing.ID, domain.JobFailed)
	assert.Equal(t, "task is already running", got.Error)

	got = waitStatus(t, repo, panicking.ID, domain.JobFailed)
	assert.Contains(t, got.Error, "handler panic")

	assert.EqualValues(t, 2, calls.Load(), "malformed payloads never reach the handler")
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	repo := newRepo(t)
	d := New(repo, nil, fastOptions())

	var (
		mu    sync.Mutex
		order []string
	)
	d.Register(domain.JobDecompose, HandlerFunc(func(_ context.Context, _ domain.QueueJob, p queue.Payload) ([]queue.JobRequest, error) {
		mu.Lock()
		order = append(order, p.(*queue.DecomposePayload).TaskID)
		mu.Unlock()
		return nil, nil
	}))

	enqueue(t, d, queue.DecomposePayload{TaskID: "low"}, 1)
	enqueue(t, d, queue.DecomposePayload{TaskID: "high"}, 9)
	last := enqueue(t, d, queue.DecomposePayload{TaskID: "mid"}, 5)

	d.Start(context.Background())
	defer d.Stop()
	waitStatus(t, repo, last.ID, domain.JobCompleted)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestStopDrainsInFlightJobs(t *testing.T) {
	repo := newRepo(t)
	d := New(repo, nil, fastOptions())

	entered := make(chan struct{})
	release := make(chan struct{})
	d.Register(domain.JobDecompose, HandlerFunc(func(context.Context, domain.QueueJob, queue.Payload) ([]queue.JobRequest, error) {
		close(entered)
		<-release
		return nil, nil
	}))
	job := enqueue(t, d, queue.DecomposePayload{TaskID: "task_1"}, 5)

	d.Start(context.Background())
	d.Start(context.Background())
	assert.True(t, d.Running())
	<-entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, d.Running())
	got, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)

	d.Stop()
}

func TestRunStopsWithContext(t *testing.T) {
	d := New(newRepo(t), nil, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, d.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, d.Running())
}
