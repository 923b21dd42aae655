// Package api is the HTTP control surface for tasks, jobs and schedules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

type TaskStore interface {
	CreateTask(ctx context.Context, in store.NewTask) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error)
	ListStepStatuses(ctx context.Context, taskID string) ([]domain.StepStatus, error)
}

type ContextReader interface {
	Get(ctx context.Context, taskID string) (*contextstore.Context, error)
	GetPart(ctx context.Context, taskID, path string) (any, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.JobRequest) (domain.QueueJob, error)
}

type ScheduleCreator interface {
	Create(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
}

// Deps are the services the routes call into.
type Deps struct {
	Tasks     TaskStore
	Workflows *workflow.Supervisor
	Contexts  ContextReader
	Jobs      queue.Repository
	Enqueuer  Enqueuer
	Schedules queue.ScheduleRepository
	Scheduler ScheduleCreator
	Gatherer  prometheus.Gatherer
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: deps}

	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Post("/start", s.startTask)
			r.Post("/pause", s.pauseTask)
			r.Post("/resume", s.resumeTask)
			r.Post("/cancel", s.cancelTask)
			r.Post("/transition", s.transitionTask)
			r.Get("/state", s.taskState)
			r.Get("/history", s.taskHistory)
			r.Get("/metrics", s.taskMetrics)
			r.Get("/context", s.taskContext)
		})
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/stats", s.jobStats)
		r.Get("/{id}", s.getJob)
	})

	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.createSchedule)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Put("/{id}", s.updateSchedule)
		r.Delete("/{id}", s.deleteSchedule)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorResp struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: msg})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
