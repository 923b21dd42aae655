package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

var ErrEmpty = errors.New("no jobs pending")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_type ON queue_jobs(type);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  job_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// JobRequest is what producers hand to AddTask.
type JobRequest struct {
	Type     domain.JobType  `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (r *JobRequest) normalize() error {
	if r.Type == "" {
		return fmt.Errorf("%w: job type is required", domain.ErrInvalidArgument)
	}
	if r.Priority == 0 {
		r.Priority = domain.DefaultJobPriority
	}
	if r.Priority < domain.MinJobPriority || r.Priority > domain.MaxJobPriority {
		return fmt.Errorf("%w: priority %d outside %d..%d", domain.ErrInvalidArgument,
			r.Priority, domain.MinJobPriority, domain.MaxJobPriority)
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage("{}")
	}
	return nil
}

type Stats struct {
	ByStatus map[domain.JobStatus]int `json:"by_status"`
	ByType   map[domain.JobType]int   `json:"by_type"`
	Total    int                      `json:"total"`
}

type Repository interface {
	AddTask(ctx context.Context, req JobRequest) (domain.QueueJob, error)
	GetNextTask(ctx context.Context) (domain.QueueJob, error)
	CompleteTask(ctx context.Context, id string) (bool, error)
	FailTask(ctx context.Context, id, reason string) (bool, error)
	GetQueueStats(ctx context.Context) (Stats, error)
	GetTasks(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.QueueJob, error)
	Get(ctx context.Context, id string) (domain.QueueJob, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepo returns the SQLite-backed job queue. It also stores schedules.
func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

const jobColumns = `id,type,payload,priority,status,error,created_at,updated_at,completed_at`

func newJobID() string { return "job_" + uuid.NewString() }

func (r *SQLiteRepo) AddTask(ctx context.Context, req JobRequest) (domain.QueueJob, error) {
	if err := req.normalize(); err != nil {
		return domain.QueueJob{}, err
	}
	now := r.now()
	job := domain.QueueJob{
		ID:        newJobID(),
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO queue_jobs (id,type,payload,priority,status,error,created_at,updated_at)
VALUES (?,?,?,?,'pending','',?,?)
`, job.ID, string(job.Type), []byte(job.Payload), job.Priority, now, now)
	if err != nil {
		return domain.QueueJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetNextTask claims the highest-priority, oldest pending job. The DSN opens
// transactions with _txlock=immediate, so the select and the guarded update run
// under the database write lock; the status guard makes the update a
// compare-and-swap on top of that.
func (r *SQLiteRepo) GetNextTask(ctx context.Context) (job domain.QueueJob, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueJob{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM queue_jobs
WHERE status='pending'
ORDER BY priority DESC, created_at ASC, rowid ASC
LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.QueueJob{}, err
	}
	if err != nil {
		return domain.QueueJob{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET status='processing', updated_at=?
WHERE id=? AND status='pending'`, r.now(), id)
	if err != nil {
		return domain.QueueJob{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = ErrEmpty
		return domain.QueueJob{}, err
	}

	job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, id))
	if err != nil {
		return domain.QueueJob{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.QueueJob{}, err
	}
	return job, nil
}

func (r *SQLiteRepo) CompleteTask(ctx context.Context, id string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='completed', updated_at=?, completed_at=?
WHERE id=? AND status IN ('pending','processing')`, now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepo) FailTask(ctx context.Context, id, reason string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='failed', error=?, updated_at=?, completed_at=?
WHERE id=? AND status IN ('pending','processing')`, reason, now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepo) GetQueueStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: map[domain.JobStatus]int{}, ByType: map[domain.JobType]int{}}
	rows, err := r.db.QueryContext(ctx, `SELECT type, status, COUNT(*) FROM queue_jobs GROUP BY type, status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
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

func (r *SQLiteRepo) GetTasks(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.QueueJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM queue_jobs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM queue_jobs WHERE status=? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
			string(status), limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.QueueJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, err
}

// RecoverStale returns jobs left in processing by a crashed process to pending.
func (r *SQLiteRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='pending', updated_at=?
WHERE status='processing' AND updated_at < ?`, now, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.QueueJob, error) {
	var (
		job         domain.QueueJob
		typ, status string
		completedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &typ, &job.Payload, &job.Priority, &status, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return domain.QueueJob{}, err
	}
	job.Type = domain.JobType(typ)
	job.Status = domain.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}
