package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// DefaultPlatforms is used when a request names none.
var DefaultPlatforms = discovery.DefaultPlatforms

// Enqueuer accepts queue items; the dispatcher and every Queue satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item discovery.QueueItem) error
}

// Spec describes a job to create.
type Spec struct {
	Query     string
	City      string
	Platforms []string
	MaxItems  int
}

// Scheduler creates jobs for the live search path and the batch path.
type Scheduler struct {
	jobs            discovery.JobStore
	ids             discovery.IDGenerator
	clock           discovery.Clock
	queue           Enqueuer
	defaultMaxItems int
}

// NewScheduler constructs a Scheduler. queue is only needed by Submit.
func NewScheduler(jobStore discovery.JobStore, ids discovery.IDGenerator, clock discovery.Clock, queue Enqueuer, defaultMaxItems int) *Scheduler {
	if defaultMaxItems <= 0 {
		defaultMaxItems = 50
	}
	return &Scheduler{jobs: jobStore, ids: ids, clock: clock, queue: queue, defaultMaxItems: defaultMaxItems}
}

// CreatePending persists a pending job for the live search path.
func (s *Scheduler) CreatePending(ctx context.Context, spec Spec) (discovery.ScrapingJob, error) {
	return s.create(ctx, spec, discovery.JobStatusPending)
}

// Submit persists a queued job and enqueues it for the workers.
func (s *Scheduler) Submit(ctx context.Context, spec Spec) (discovery.ScrapingJob, error) {
	if s.queue == nil {
		return discovery.ScrapingJob{}, fmt.Errorf("submit job: no queue configured")
	}
	job, err := s.create(ctx, spec, discovery.JobStatusQueued)
	if err != nil {
		return discovery.ScrapingJob{}, err
	}
	item := discovery.QueueItem{JobID: job.ID, Attempt: 1, Submitted: s.clock.Now().Unix()}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return discovery.ScrapingJob{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

func (s *Scheduler) create(ctx context.Context, spec Spec, status discovery.JobStatus) (discovery.ScrapingJob, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return discovery.ScrapingJob{}, fmt.Errorf("generate job id: %w", err)
	}
	platforms := NormalizePlatforms(spec.Platforms)
	maxItems := spec.MaxItems
	if maxItems <= 0 {
		maxItems = s.defaultMaxItems
	}
	job := discovery.ScrapingJob{
		ID:               id,
		Platform:         discovery.PlatformFor(platforms),
		Status:           status,
		Query:            strings.TrimSpace(spec.Query),
		City:             strings.TrimSpace(spec.City),
		Platforms:        platforms,
		MaxItems:         maxItems,
		PlatformStatuses: discovery.InitialStatuses(platforms),
		CreatedAt:        s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return discovery.ScrapingJob{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// NormalizePlatforms lowercases, dedups and defaults a platform list while
// keeping request order.
func NormalizePlatforms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return slices.Clone(DefaultPlatforms)
	}
	return out
}
