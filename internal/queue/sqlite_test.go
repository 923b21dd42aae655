package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
)

func newTestRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))

	repo := NewSQLiteRepo(db)
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return repo
}

func decompose(t *testing.T, taskID string, priority int) JobRequest {
	t.Helper()
	req, err := NewRequest(DecomposePayload{TaskID: taskID}, priority)
	require.NoError(t, err)
	return req
}

func TestAddTaskDefaults(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job, err := repo.AddTask(ctx, JobRequest{Type: domain.JobAnalyzeProject})
	require.NoError(t, err)
	assert.Contains(t, job.ID, "job_")
	assert.Equal(t, domain.DefaultJobPriority, job.Priority)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.JSONEq(t, `{}`, string(job.Payload))

	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	assert.Equal(t, domain.JobAnalyzeProject, stored.Type)
	assert.Nil(t, stored.CompletedAt)
}

func TestAddTaskRejectsBadRequests(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  JobRequest
	}{
		{"missing type", JobRequest{Priority: 5}},
		{"priority too high", JobRequest{Type: domain.JobDecompose, Priority: 11}},
		{"priority negative", JobRequest{Type: domain.JobDecompose, Priority: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.AddTask(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestGetNextTaskOrdering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, err := repo.AddTask(ctx, decompose(t, "task_a", 5))
	require.NoError(t, err)
	b, err := repo.AddTask(ctx, decompose(t, "task_b", 8))
	require.NoError(t, err)
	c, err := repo.AddTask(ctx, decompose(t, "task_c", 5))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		job, err := repo.GetNextTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.JobProcessing, job.Status)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, got)

	_, err = repo.GetNextTask(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestGetNextTaskConcurrentClaimsAreExclusive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := repo.AddTask(ctx, decompose(t, "task_x", 1+i%10))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := repo.GetNextTask(ctx)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestCompleteAndFail(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	done, err := repo.AddTask(ctx, decompose(t, "task_1", 5))
	require.NoError(t, err)
	broken, err := repo.AddTask(ctx, decompose(t, "task_2", 5))
	require.NoError(t, err)

	ok, err := repo.CompleteTask(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.FailTask(ctx, done.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs stay terminal")

	ok, err = repo.FailTask(ctx, broken.ID, "handler exploded")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	got, err = repo.Get(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "handler exploded", got.Error)

	ok, err = repo.CompleteTask(ctx, "job_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Get(ctx, "job_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatsAndListing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.AddTask(ctx, decompose(t, "task_1", 5))
	require.NoError(t, err)
	_, err = repo.AddTask(ctx, decompose(t, "task_2", 5))
	require.NoError(t, err)
	last, err := repo.AddTask(ctx, JobRequest{Type: domain.JobAnalyzeProject, Payload: json.RawMessage(`{"path":"."}`)})
	require.NoError(t, err)
	_, err = repo.CompleteTask(ctx, first.ID)
	require.NoError(t, err)

	stats, err := repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.JobPending])
	assert.Equal(t, 1, stats.ByStatus[domain.JobCompleted])
	assert.Equal(t, 2, stats.ByType[domain.JobDecompose])
	assert.Equal(t, 1, stats.ByType[domain.JobAnalyzeProject])

	all, err := repo.GetTasks(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, last.ID, all[0].ID, "newest first")

	pending, err := repo.GetTasks(ctx, domain.JobPending, 1, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.JobPending, pending[0].Status)
}

func TestRecoverStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job, err := repo.AddTask(ctx, decompose(t, "task_1", 5))
	require.NoError(t, err)
	_, err = repo.GetNextTask(ctx)
	require.NoError(t, err)

	n, err := repo.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recently claimed jobs are left alone")

	n, err = repo.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
}

func TestSchedules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	next := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)

	id, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name:     "nightly analysis",
		CronExpr: "0 2 * * *",
		JobType:  domain.JobAnalyzeProject,
		Payload:  []byte(`{"path":"/srv/repo"}`),
		Enabled:  true,
		NextRun:  next,
	})
	require.NoError(t, err)
	assert.Contains(t, id, "sch_")

	s, err := repo.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultJobPriority, s.Priority)
	assert.True(t, s.Enabled)

	due, err := repo.GetDueSchedules(ctx, next.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = repo.GetDueSchedules(ctx, next)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ran := next
	require.NoError(t, repo.UpdateScheduleLastRun(ctx, id, ran, next.Add(24*time.Hour)))
	s, err = repo.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s.LastRun)
	assert.True(t, s.LastRun.Equal(ran))

	s.Enabled = false
	require.NoError(t, repo.UpdateSchedule(ctx, s))
	due, err = repo.GetDueSchedules(ctx, next.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	list, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteSchedule(ctx, id))
	assert.ErrorIs(t, repo.DeleteSchedule(ctx, id), domain.ErrNotFound)
	_, err = repo.GetSchedule(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
