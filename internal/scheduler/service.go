// Package scheduler turns cron schedules into queued jobs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.JobRequest) (domain.QueueJob, error)
}

type Service struct {
	repo     queue.ScheduleRepository
	jobs     Enqueuer
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(repo queue.ScheduleRepository, jobs Enqueuer, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &Service{
		repo:     repo,
		jobs:     jobs,
		interval: checkInterval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.With().Str("component", "scheduler").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start checks for due schedules every interval until ctx is done or Stop is
// called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.processDueSchedules(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Create validates a schedule, fills its defaults and next run, and stores it.
func (s *Service) Create(ctx context.Context, sch domain.Schedule) (domain.Schedule, error) {
	if strings.TrimSpace(sch.Name) == "" {
		return domain.Schedule{}, fmt.Errorf("%w: schedule name is required", domain.ErrInvalidArgument)
	}
	if sch.Priority != 0 && (sch.Priority < domain.MinJobPriority || sch.Priority > domain.MaxJobPriority) {
		return domain.Schedule{}, fmt.Errorf("%w: priority %d out of range", domain.ErrInvalidArgument, sch.Priority)
	}
	if len(sch.Payload) == 0 {
		sch.Payload = []byte("{}")
	}
	if _, err := queue.DecodePayload(sch.JobType, sch.Payload); err != nil {
		return domain.Schedule{}, err
	}
	next, err := NextRunTime(sch.CronExpr, s.now())
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: cron expression %q: %v", domain.ErrInvalidArgument, sch.CronExpr, err)
	}
	sch.NextRun = next
	id, err := s.repo.CreateSchedule(ctx, sch)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s.repo.GetSchedule(ctx, id)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		s.logger.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	job, err := s.jobs.Enqueue(ctx, queue.JobRequest{
		Type:     schedule.JobType,
		Payload:  schedule.Payload,
		Priority: schedule.Priority,
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled job: %w", err)
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}

	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", job.ID).
		Time("next_run", nextRun).
		Msg("scheduled job enqueued")

	return nil
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
