package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

var jobColumns = []string{
	"id", "platform", "status", "query", "city", "platforms", "max_items",
	"platform_statuses", "started_at", "completed_at", "events_scraped",
	"error_message", "attempts", "created_at",
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job discovery.ScrapingJob) error {
	statuses, err := encodeStatuses(job.PlatformStatuses)
	if err != nil {
		return err
	}
	platforms := job.Platforms
	if platforms == nil {
		platforms = []string{}
	}
	sql := fmt.Sprintf("INSERT INTO scraping_jobs (%s) VALUES (%s)",
		strings.Join(jobColumns, ", "), placeholders(1, len(jobColumns)))
	_, err = s.pool.Exec(ctx, sql,
		job.ID, job.Platform, string(job.Status), job.Query, job.City, platforms, job.MaxItems,
		statuses, job.StartedAt, job.CompletedAt, job.EventsScraped,
		job.ErrorMessage, job.Attempts, job.CreatedAt,
	)
	if err != nil {
		return classify("insert job", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (discovery.ScrapingJob, error) {
	sql := "SELECT " + strings.Join(jobColumns, ", ") + " FROM scraping_jobs WHERE id = $1"
	var (
		job      discovery.ScrapingJob
		status   string
		statuses []byte
	)
	err := s.pool.QueryRow(ctx, sql, jobID).Scan(
		&job.ID, &job.Platform, &status, &job.Query, &job.City, &job.Platforms, &job.MaxItems,
		&statuses, &job.StartedAt, &job.CompletedAt, &job.EventsScraped,
		&job.ErrorMessage, &job.Attempts, &job.CreatedAt,
	)
	if err != nil {
		return discovery.ScrapingJob{}, classify("get job "+jobID, err)
	}
	job.Status = discovery.JobStatus(status)
	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &job.PlatformStatuses); err != nil {
			return discovery.ScrapingJob{}, fmt.Errorf("decode platform statuses: %w", err)
		}
	}
	return job, nil
}

// transitionJob only matches rows whose current status may precede $2.
const transitionJob = `
UPDATE scraping_jobs SET
	status = $2::text,
	attempts = attempts + CASE WHEN $2::text = 'running' THEN 1 ELSE 0 END,
	started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
	completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $3 ELSE completed_at END,
	error_message = CASE WHEN $2::text IN ('completed', 'failed') THEN $4 ELSE error_message END
WHERE id = $1 AND status = ANY($5)`

// TransitionJob moves a job to next when its current status allows it.
func (s *Store) TransitionJob(ctx context.Context, jobID string, next discovery.JobStatus, errMsg string) error {
	preds := discovery.Predecessors(next)
	if len(preds) == 0 {
		return fmt.Errorf("transition job %s to %s: %w", jobID, next, discovery.ErrInvalidTransition)
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}
	tag, err := s.pool.Exec(ctx, transitionJob, jobID, string(next), s.clock.Now().UTC(), errMsg, from)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainMiss(ctx, jobID, fmt.Sprintf("transition job %s to %s", jobID, next))
}

const updateJobProgress = `
UPDATE scraping_jobs SET events_scraped = $2, platform_statuses = $3
WHERE id = $1 AND status NOT IN ('completed', 'failed')`

// UpdateJobProgress records counts and per-platform state for a live job.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, eventsScraped int, statuses []discovery.PlatformStatus) error {
	encoded, err := encodeStatuses(statuses)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateJobProgress, jobID, eventsScraped, encoded)
	if err != nil {
		return fmt.Errorf("update job progress %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainMiss(ctx, jobID, "update job progress "+jobID)
}

// explainMiss distinguishes a missing job from one in the wrong state.
func (s *Store) explainMiss(ctx context.Context, jobID, op string) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, discovery.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, discovery.ErrInvalidTransition)
}

func encodeStatuses(statuses []discovery.PlatformStatus) ([]byte, error) {
	if statuses == nil {
		statuses = []discovery.PlatformStatus{}
	}
	b, err := json.Marshal(statuses)
	if err != nil {
		return nil, fmt.Errorf("encode platform statuses: %w", err)
	}
	return b, nil
}
