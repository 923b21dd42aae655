package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/scheduler"
)

type scheduleReq struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	JobType  domain.JobType  `json:"job_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Enabled  *bool           `json:"enabled"`
}

type scheduleView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	JobType   domain.JobType  `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func viewSchedule(s domain.Schedule) scheduleView {
	return scheduleView{
		ID:        s.ID,
		Name:      s.Name,
		CronExpr:  s.CronExpr,
		JobType:   s.JobType,
		Payload:   json.RawMessage(s.Payload),
		Priority:  s.Priority,
		Enabled:   s.Enabled,
		LastRun:   s.LastRun,
		NextRun:   s.NextRun,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.CronExpr == "" {
		badRequest(w, "cron_expr is required")
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		badRequest(w, "invalid cron expression: "+err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sch, err := s.Scheduler.Create(r.Context(), domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		JobType:  req.JobType,
		Payload:  req.Payload,
		Priority: req.Priority,
		Enabled:  enabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sch))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Schedules.ListSchedules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, viewSchedule(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req scheduleReq
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			badRequest(w, "invalid cron expression: "+err.Error())
			return
		}
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = nextRun
	}
	if req.JobType != "" {
		schedule.JobType = req.JobType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if _, err := queue.DecodePayload(schedule.JobType, schedule.Payload); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Priority != 0 {
		if req.Priority < domain.MinJobPriority || req.Priority > domain.MaxJobPriority {
			badRequest(w, "priority must be between 1 and 10")
			return
		}
		schedule.Priority = req.Priority
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.Schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(schedule))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
