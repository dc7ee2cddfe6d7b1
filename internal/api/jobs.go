package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
)

const jobQueryTimeout = 3 * time.Second

// jobStatusResponse is the body of GET /api/v1/jobs/{job_id}. Events and
// total are only present once the job has completed.
type jobStatusResponse struct {
	JobID            string                     `json:"jobId"`
	Status           discovery.JobStatus        `json:"status"`
	Query            string                     `json:"query"`
	City             string                     `json:"city,omitempty"`
	Platforms        []string                   `json:"platforms"`
	PlatformStatuses []discovery.PlatformStatus `json:"platformStatuses,omitempty"`
	EventsScraped    int                        `json:"eventsScraped"`
	StartedAt        *time.Time                 `json:"startedAt"`
	CompletedAt      *time.Time                 `json:"completedAt,omitempty"`
	Error            string                     `json:"error,omitempty"`
	Events           []discovery.Event          `json:"events,omitempty"`
	Total            *int                       `json:"total,omitempty"`
}

// batchRequest is the body of POST /api/v1/jobs.
type batchRequest struct {
	Query     string   `json:"query" validate:"required,min=1,max=100"`
	City      string   `json:"city,omitempty" validate:"omitempty,max=100"`
	Platforms []string `json:"platforms,omitempty" validate:"omitempty,dive,oneof=luma eventbrite"`
	MaxItems  int      `json:"maxItems,omitempty" validate:"omitempty,min=1,max=100"`
}

// getJob handles GET /api/v1/jobs/{job_id}. It returns 404 when the store
// reports discovery.ErrNotFound, 503 without a job store, or 500 otherwise.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), jobQueryTimeout)
	defer cancel()

	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	resp := jobStatusResponse{
		JobID:            job.ID,
		Status:           job.Status,
		Query:            job.Query,
		City:             job.City,
		Platforms:        job.Platforms,
		PlatformStatuses: job.PlatformStatuses,
		EventsScraped:    job.EventsScraped,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
		Error:            job.ErrorMessage,
	}
	if job.Status == discovery.JobStatusCompleted && s.deps.Events != nil {
		events, err := s.deps.Events.ListJobEvents(ctx, job.ID)
		if err != nil {
			s.logger.Error("list job events failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load job events")
			return
		}
		total := len(events)
		resp.Events = events
		resp.Total = &total
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitJob handles POST /api/v1/jobs and answers 202 with the queued job.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "batch crawling unavailable")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	req.City = strings.TrimSpace(req.City)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}
	job, err := s.deps.Submitter.Submit(r.Context(), jobs.Spec{
		Query:     strings.TrimSpace(req.Query),
		City:      strings.TrimSpace(req.City),
		Platforms: req.Platforms,
		MaxItems:  req.MaxItems,
	})
	if err != nil {
		s.logger.Error("submit job failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "failed to queue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}
