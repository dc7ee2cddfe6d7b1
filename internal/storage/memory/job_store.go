package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/techevents-crawler/internal/clock"
	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]discovery.ScrapingJob
	clock discovery.Clock
}

// NewJobStore constructs a JobStore. clk may be nil.
func NewJobStore(clk discovery.Clock) *JobStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &JobStore{
		jobs:  make(map[string]discovery.ScrapingJob),
		clock: clk,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job discovery.ScrapingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, discovery.ErrConflict)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (discovery.ScrapingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return discovery.ScrapingJob{}, fmt.Errorf("get job %s: %w", jobID, discovery.ErrNotFound)
	}
	return cloneJob(job), nil
}

// TransitionJob moves a job to next when the lifecycle allows it.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, next discovery.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("transition job %s: %w", jobID, discovery.ErrNotFound)
	}
	if !job.Status.CanTransition(next) {
		return fmt.Errorf("transition job %s %s->%s: %w", jobID, job.Status, next, discovery.ErrInvalidTransition)
	}
	now := s.clock.Now()
	job.Status = next
	switch {
	case next == discovery.JobStatusRunning:
		job.Attempts++
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case next.Terminal():
		job.CompletedAt = &now
		job.ErrorMessage = errMsg
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateJobProgress records the running tally and per-platform statuses.
func (s *JobStore) UpdateJobProgress(
	_ context.Context,
	jobID string,
	eventsScraped int,
	statuses []discovery.PlatformStatus,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, discovery.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("update job %s in %s: %w", jobID, job.Status, discovery.ErrInvalidTransition)
	}
	job.EventsScraped = eventsScraped
	job.PlatformStatuses = slices.Clone(statuses)
	s.jobs[jobID] = job
	return nil
}

func cloneJob(job discovery.ScrapingJob) discovery.ScrapingJob {
	job.Platforms = slices.Clone(job.Platforms)
	job.PlatformStatuses = slices.Clone(job.PlatformStatuses)
	return job
}
