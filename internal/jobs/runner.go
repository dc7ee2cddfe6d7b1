// Package jobs drives scraping jobs through their lifecycle: the runner
// executes one job, the launcher detaches execution from the request that
// created it, and the scheduler creates jobs for either path.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/pipeline"
	"github.com/JakeFAU/techevents-crawler/internal/progress"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
	"github.com/JakeFAU/techevents-crawler/internal/telemetry"
)

// Crawler streams raw records for one platform.
type Crawler interface {
	Stream(ctx context.Context, platform, query, city string, maxItems int, yield func(discovery.RawRecord) bool) (int, string)
}

// Processor runs one raw record through the event pipeline.
type Processor interface {
	Process(ctx context.Context, raw discovery.RawRecord, city, jobID string) pipeline.Result
}

// Executor is what the launcher and the queue workers need from a Runner.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error)
}

// Runner executes scraping jobs.
type Runner struct {
	jobs     discovery.JobStore
	crawler  Crawler
	pipeline Processor
	blobs    discovery.BlobStore
	clock    discovery.Clock
	emitter  progress.Emitter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewRunner wires a Runner. blobs and emitter may be nil.
func NewRunner(
	jobStore discovery.JobStore,
	crawler Crawler,
	proc Processor,
	blobs discovery.BlobStore,
	clock discovery.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Runner {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		jobs:     jobStore,
		crawler:  crawler,
		pipeline: proc,
		blobs:    blobs,
		clock:    clock,
		emitter:  emitter,
		tracer:   telemetry.Tracer(),
		logger:   logger.Named("jobs"),
	}
}

// Execute runs every platform of the job in order and completes it. A
// platform that saves at least one event ends the job early; the remaining
// platforms are marked skipped. Terminal jobs are left untouched.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	ctx, span := r.tracer.Start(ctx, "jobs.Execute", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		r.logger.Info("job already finished", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}
	if err := r.jobs.TransitionJob(ctx, jobID, discovery.JobStatusRunning, ""); err != nil {
		span.RecordError(err)
		return fmt.Errorf("start job: %w", err)
	}

	started := r.clock.Now()
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobStart})
	log := r.logger.With(zap.String("job_id", jobID), zap.String("query", job.Query))
	log.Info("job started", zap.Strings("platforms", job.Platforms))

	statuses := job.PlatformStatuses
	if len(statuses) != len(job.Platforms) {
		statuses = discovery.InitialStatuses(job.Platforms)
	}
	total := 0
	for i, platform := range job.Platforms {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return fmt.Errorf("job interrupted before %s: %w", platform, err)
		}
		statuses[i].Status = discovery.PlatformRunning
		r.saveProgress(ctx, jobID, total, statuses)

		saved := r.runPlatform(ctx, job, platform, &statuses[i])
		total += saved
		r.saveProgress(ctx, jobID, total, statuses)

		if saved > 0 && i < len(job.Platforms)-1 {
			for j := i + 1; j < len(statuses); j++ {
				statuses[j].Status = discovery.PlatformSkipped
			}
			r.saveProgress(ctx, jobID, total, statuses)
			log.Info("early stop", zap.String("platform", platform), zap.Int("saved", saved))
			break
		}
	}

	if err := r.jobs.TransitionJob(ctx, jobID, discovery.JobStatusCompleted, ""); err != nil {
		span.RecordError(err)
		return fmt.Errorf("complete job: %w", err)
	}
	dur := r.clock.Now().Sub(started)
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobDone, Count: total, Dur: dur})
	span.SetAttributes(attribute.Int("job.events_saved", total))
	log.Info("job completed", zap.Int("events_saved", total), zap.Duration("duration", dur))
	return nil
}

// runPlatform streams one platform through the pipeline and returns the
// number of events saved.
func (r *Runner) runPlatform(ctx context.Context, job discovery.ScrapingJob, platform string, status *discovery.PlatformStatus) int {
	ctx, span := r.tracer.Start(ctx, "jobs.platform", trace.WithAttributes(attribute.String("platform", platform)))
	defer span.End()

	started := r.clock.Now()
	var (
		raws  []discovery.RawRecord
		saved int
	)
	_, backend := r.crawler.Stream(ctx, platform, job.Query, job.City, job.MaxItems, func(raw discovery.RawRecord) bool {
		raws = append(raws, raw)
		if res := r.pipeline.Process(ctx, raw, job.City, job.ID); res.Saved {
			saved++
		}
		return ctx.Err() == nil
	})
	r.archive(ctx, job.ID, platform, raws)

	status.Status = discovery.PlatformCompleted
	status.Backend = backend
	status.EventsFound = saved
	note := ""
	if backend == scrape.BackendNone {
		note = "no backend returned records"
		status.Error = note
	}
	span.SetAttributes(attribute.String("backend", backend), attribute.Int("records", len(raws)), attribute.Int("saved", saved))
	r.emit(progress.Event{
		JobID:    job.ID,
		Stage:    progress.StagePlatformDone,
		Platform: platform,
		Backend:  backend,
		Count:    saved,
		Dur:      r.clock.Now().Sub(started),
		Note:     note,
	})
	return saved
}

// archive stores the raw records at raw/{jobID}/{platform}.json. Archive
// failures never fail the job.
func (r *Runner) archive(ctx context.Context, jobID, platform string, raws []discovery.RawRecord) {
	if r.blobs == nil || len(raws) == 0 {
		return
	}
	body, err := json.Marshal(raws)
	if err != nil {
		r.logger.Warn("encode raw archive failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	key := fmt.Sprintf("raw/%s/%s.json", jobID, platform)
	uri, err := r.blobs.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("archive raw records failed", zap.String("job_id", jobID), zap.String("platform", platform), zap.Error(err))
		return
	}
	r.logger.Debug("raw records archived", zap.String("job_id", jobID), zap.String("uri", uri), zap.Int("records", len(raws)))
}

// Fail marks the job failed with cause. It uses its own short context so
// a cancelled job context still records the failure.
func (r *Runner) Fail(ctx context.Context, jobID string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.jobs.TransitionJob(ctx, jobID, discovery.JobStatusFailed, msg); err != nil {
		if !errors.Is(err, discovery.ErrInvalidTransition) {
			r.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobError, Note: msg})
	r.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("error", msg))
}

func (r *Runner) saveProgress(ctx context.Context, jobID string, total int, statuses []discovery.PlatformStatus) {
	if err := r.jobs.UpdateJobProgress(ctx, jobID, total, statuses); err != nil {
		r.logger.Warn("update job progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Runner) emit(evt progress.Event) {
	evt.TS = r.clock.Now()
	r.emitter.Emit(evt)
}
