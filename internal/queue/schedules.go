package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

const scheduleColumns = `id,name,cron_expr,job_type,payload,priority,enabled,last_run,next_run,created_at,updated_at`

func (r *SQLiteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = domain.DefaultJobPriority
	}
	if len(s.Payload) == 0 {
		s.Payload = []byte("{}")
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.CronExpr, string(s.JobType), s.Payload, s.Priority, s.Enabled, nullTime(s.LastRun), s.NextRun.UTC(), now, now)
	return id, err
}

func (r *SQLiteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %s", domain.ErrNotFound, id)
	}
	return s, err
}

func (r *SQLiteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *SQLiteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,job_type=?,payload=?,priority=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, string(s.JobType), s.Payload, s.Priority, s.Enabled, s.NextRun.UTC(), r.now(), s.ID)
	return err
}

func (r *SQLiteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *SQLiteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.UTC(), nextRun.UTC(), r.now(), id)
	return err
}

func (r *SQLiteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s       domain.Schedule
		jobType string
		lastRun sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &jobType, &s.Payload, &s.Priority, &s.Enabled,
		&lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.JobType = domain.JobType(jobType)
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
