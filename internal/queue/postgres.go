package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

const jobsTable = "queue_jobs"

// PostgresRepo is the job queue for deployments that run more than one
// dispatcher process. Claims use FOR UPDATE SKIP LOCKED.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

// EnsureSchema creates the jobs table if it doesn't exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
    priority     INTEGER NOT NULL DEFAULT 5,
    status       TEXT NOT NULL DEFAULT 'pending',
    error        TEXT NOT NULL DEFAULT '',
    seq          BIGSERIAL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON ` + jobsTable + ` (status, priority DESC, created_at, seq)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure queue schema: %w", err)
		}
	}
	return nil
}

const (
	pgJobColumns   = `id, type, payload, priority, status, error, created_at, updated_at, completed_at`
	pgClaimColumns = `j.id, j.type, j.payload, j.priority, j.status, j.error, j.created_at, j.updated_at, j.completed_at`
)

func (r *PostgresRepo) AddTask(ctx context.Context, req JobRequest) (domain.QueueJob, error) {
	if err := req.normalize(); err != nil {
		return domain.QueueJob{}, err
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO `+jobsTable+` (id, type, payload, priority, status)
VALUES ($1, $2, $3::jsonb, $4, 'pending')
RETURNING `+pgJobColumns,
		newJobID(), string(req.Type), string(req.Payload), req.Priority)
	job, err := scanPgJob(row)
	if err != nil {
		return domain.QueueJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepo) GetNextTask(ctx context.Context) (domain.QueueJob, error) {
	row := r.pool.QueryRow(ctx, `
WITH next AS (
    SELECT id
    FROM `+jobsTable+`
    WHERE status = 'pending'
    ORDER BY priority DESC, created_at ASC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE `+jobsTable+` AS j
SET status = 'processing', updated_at = now()
FROM next
WHERE j.id = next.id
RETURNING `+pgClaimColumns)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueJob{}, ErrEmpty
	}
	if err != nil {
		return domain.QueueJob{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepo) CompleteTask(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE `+jobsTable+` SET status = 'completed', updated_at = now(), completed_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepo) FailTask(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE `+jobsTable+` SET status = 'failed', error = $2, updated_at = now(), completed_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`, id, reason)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepo) GetQueueStats(ctx context.Context) (Stats, error) {
	rows, err := r.pool.Query(ctx, `SELECT type, status, COUNT(*) FROM `+jobsTable+` GROUP BY type, status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{ByStatus: map[domain.JobStatus]int{}, ByType: map[domain.JobType]int{}}
	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[domain.JobStatus(status)] += n
		stats.ByType[domain.JobType(typ)] += n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (r *PostgresRepo) GetTasks(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.QueueJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+pgJobColumns+` FROM `+jobsTable+`
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, seq DESC
LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.QueueJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (domain.QueueJob, error) {
	job, err := scanPgJob(r.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM `+jobsTable+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, err
}

func (r *PostgresRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE `+jobsTable+` SET status = 'pending', updated_at = now()
WHERE status = 'processing' AND updated_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPgJob(row pgx.Row) (domain.QueueJob, error) {
	var (
		job         domain.QueueJob
		typ, status string
		completedAt *time.Time
	)
	if err := row.Scan(&job.ID, &typ, &job.Payload, &job.Priority, &status, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return domain.QueueJob{}, err
	}
	job.Type = domain.JobType(typ)
	job.Status = domain.JobStatus(status)
	job.CompletedAt = completedAt
	return job, nil
}
