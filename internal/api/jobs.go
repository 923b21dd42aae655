package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

// jobView renders the payload as JSON rather than base64.
type jobView struct {
	ID          string           `json:"id"`
	Type        domain.JobType   `json:"type"`
	Payload     json.RawMessage  `json:"payload"`
	Priority    int              `json:"priority"`
	Status      domain.JobStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func viewJob(j domain.QueueJob) jobView {
	return jobView{
		ID:          j.ID,
		Type:        j.Type,
		Payload:     json.RawMessage(j.Payload),
		Priority:    j.Priority,
		Status:      j.Status,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req queue.JobRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte("{}")
	}
	if _, err := queue.DecodePayload(req.Type, req.Payload); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewJob(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	status := domain.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
	default:
		badRequest(w, "unknown status "+string(status))
		return
	}
	jobs, err := s.Jobs.GetTasks(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
