package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/metrics"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req store.NewTask
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	task, err := s.Tasks.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	tasks, err := s.Tasks.ListTasks(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// control runs op against the task's orchestrator and answers with its state.
func (s *Server) control(w http.ResponseWriter, r *http.Request, code int, op func(o *workflow.Orchestrator) error) {
	o, err := s.Workflows.For(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(o); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := o.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, code, st)
}

type startReq struct {
	StartStep int `json:"startStep"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	s.control(w, r, http.StatusAccepted, func(o *workflow.Orchestrator) error {
		return o.Start(r.Context(), req.StartStep)
	})
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusOK, func(o *workflow.Orchestrator) error { return o.Pause(r.Context()) })
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusAccepted, func(o *workflow.Orchestrator) error { return o.Resume(r.Context()) })
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusOK, func(o *workflow.Orchestrator) error { return o.Cancel(r.Context()) })
}

type transitionReq struct {
	StepNumber int    `json:"stepNumber"`
	Reason     string `json:"reason"`
}

func (s *Server) transitionTask(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	s.control(w, r, http.StatusOK, func(o *workflow.Orchestrator) error {
		return o.GoToStep(r.Context(), req.StepNumber, req.Reason)
	})
}

func (s *Server) taskState(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusOK, func(*workflow.Orchestrator) error { return nil })
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.Workflows.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) taskMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Tasks.GetTask(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	steps, err := s.Tasks.ListStepStatuses(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics.Summarize(steps))
}

type contextPartResp struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s *Server) taskContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")
	if path == "" {
		doc, err := s.Contexts.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}
	v, err := s.Contexts.GetPart(r.Context(), id, path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contextPartResp{Path: path, Value: v})
}
