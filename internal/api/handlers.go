package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/repoflow/internal/queue"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueuedJobs    int    `json:"queued_jobs"`
	RunningJobs   int    `json:"running_jobs"`
	Repositories  int    `json:"repositories"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	queued, err := s.jobs.FindJobsByStatus(r.Context(), queue.StatusQueued)
	if err != nil {
		s.logger.Error("failed to count queued jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	running, err := s.jobs.FindJobsByStatus(r.Context(), queue.StatusRunning)
	if err != nil {
		s.logger.Error("failed to count running jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	repos, err := s.repos.ListAllRepositories(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read status store")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueuedJobs:    len(queued),
		RunningJobs:   len(running),
		Repositories:  len(repos),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, ErrorResponse{Error: message})
}
