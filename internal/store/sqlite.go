// Package store persists tasks, their step records, transitions, context
// documents and execution leases in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// Open opens a SQLite database with WAL, a busy timeout and immediate
// transactions. SQLite has a single writer, so the pool holds one connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_txlock=immediate&_time_format=sqlite"+
		"&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 5,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','paused','completed','failed','cancelled')) DEFAULT 'pending',
  current_step INTEGER NOT NULL DEFAULT 1,
  context BLOB,
  context_version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS task_steps (
  task_id TEXT NOT NULL,
  step INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')),
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  summary TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (task_id, step),
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE TABLE IF NOT EXISTS task_transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  from_step INTEGER NOT NULL,
  to_step INTEGER NOT NULL,
  trigger_name TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id, id);
CREATE TABLE IF NOT EXISTS task_leases (
  task_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewTask holds the caller-supplied fields of a task being created.
type NewTask struct {
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	Priority    int    `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateTask persists a task in status pending at step 1.
func (s *SQLiteStore) CreateTask(ctx context.Context, in NewTask) (domain.Task, error) {
	if in.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	if in.Priority == 0 {
		in.Priority = domain.DefaultJobPriority
	}
	if in.Priority < domain.MinJobPriority || in.Priority > domain.MaxJobPriority {
		return domain.Task{}, fmt.Errorf("%w: priority %d out of range", domain.ErrInvalidArgument, in.Priority)
	}
	now := s.now()
	t := domain.Task{
		ID:          "task_" + uuid.NewString(),
		ProjectID:   in.ProjectID,
		UserID:      in.UserID,
		Priority:    in.Priority,
		Title:       in.Title,
		Description: in.Description,
		Status:      domain.TaskPending,
		CurrentStep: domain.FirstStep,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,project_id,user_id,priority,title,description,status,current_step,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.ProjectID, t.UserID, t.Priority, t.Title, t.Description, string(t.Status), t.CurrentStep, now, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

const taskColumns = `id,project_id,user_id,priority,title,description,status,current_step,context,created_at,updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, err
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at, rowid`, string(status))
}

// ListTasks returns the newest tasks first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t      domain.Task
		status string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.Priority, &t.Title, &t.Description,
		&status, &t.CurrentStep, &t.Context, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

// UpdateTaskState writes status and current step.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, id string, status domain.TaskStatus, currentStep int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status=?, current_step=?, updated_at=? WHERE id=?`, string(status), currentStep, s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return nil
}

// SaveContext stores a context document unless a newer version is already
// stored.
func (s *SQLiteStore) SaveContext(ctx context.Context, taskID string, version int64, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET context=?, context_version=?, updated_at=? WHERE id=? AND context_version < ?`,
		doc, version, s.now(), taskID, version)
	return err
}

func (s *SQLiteStore) UpsertStepStatus(ctx context.Context, st domain.StepStatus) error {
	var finished sql.NullTime
	if st.FinishedAt != nil {
		finished = sql.NullTime{Time: st.FinishedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_steps (task_id,step,status,started_at,finished_at,summary,error)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id, step) DO UPDATE SET
  status=excluded.status,
  started_at=excluded.started_at,
  finished_at=excluded.finished_at,
  summary=excluded.summary,
  error=excluded.error
`, st.TaskID, st.Step, string(st.Status), st.StartedAt.UTC(), finished, st.Summary, st.Error)
	return err
}

func (s *SQLiteStore) ListStepStatuses(ctx context.Context, taskID string) ([]domain.StepStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id,step,status,started_at,finished_at,summary,error
FROM task_steps WHERE task_id=? ORDER BY step`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepStatus
	for rows.Next() {
		var (
			st       domain.StepStatus
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(&st.TaskID, &st.Step, &status, &st.StartedAt, &finished, &st.Summary, &st.Error); err != nil {
			return nil, err
		}
		st.Status = domain.StepState(status)
		if finished.Valid {
			t := finished.Time
			st.FinishedAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, tr domain.Transition) (domain.Transition, error) {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_transitions (task_id,from_step,to_step,trigger_name,created_at) VALUES (?,?,?,?,?)`,
		tr.TaskID, tr.FromStep, tr.ToStep, tr.Trigger, tr.CreatedAt.UTC())
	if err != nil {
		return domain.Transition{}, err
	}
	tr.ID, _ = res.LastInsertId()
	return tr, nil
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, taskID string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,from_step,to_step,trigger_name,created_at
FROM task_transitions WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromStep, &tr.ToStep, &tr.Trigger, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// AcquireLease takes or renews the execution lease for a task. It succeeds
// when no lease exists, the caller already owns it, or the current one expired.
func (s *SQLiteStore) AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_leases (task_id, owner, expires_at) VALUES (?,?,?)
ON CONFLICT(task_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE task_leases.owner = excluded.owner OR task_leases.expires_at < ?`,
		taskID, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, taskID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_leases WHERE task_id=? AND owner=?`, taskID, owner)
	return err
}
