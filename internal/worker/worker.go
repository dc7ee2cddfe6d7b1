// Package worker consumes queued scraping jobs and retries failed attempts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
	"github.com/JakeFAU/techevents-crawler/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single attempt.
	JobTimeout time.Duration
	// Propagator reads the submitter's trace context off queue items.
	// Defaults to the global propagator.
	Propagator propagation.TextMapPropagator
}

// Worker pulls queue items and executes them.
type Worker struct {
	queue  discovery.Queue
	exec   jobs.Executor
	retry  jobs.RetryPolicy
	clock  discovery.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue discovery.Queue, exec jobs.Executor, retry jobs.RetryPolicy, clock discovery.Clock, cfg Config, logger *zap.Logger) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		exec:   exec,
		retry:  retry,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item discovery.QueueItem) {
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	ctx, span := w.startSpan(ctx, item)
	defer span.End()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	err := w.exec.Execute(jobCtx, item.JobID)
	cancel()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "attempt failed")

	log := w.logger.With(zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
	if errors.Is(err, discovery.ErrNotFound) {
		log.Warn("dropping queued job", zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; hand it back for the next process.
		w.requeue(context.WithoutCancel(ctx), item, log)
		return
	}
	if !w.retry.ShouldRetry(item.Attempt) {
		log.Warn("job attempts exhausted", zap.Error(err))
		w.exec.Fail(ctx, item.JobID, err)
		return
	}

	delay := w.retry.Backoff(item.Attempt)
	log.Info("retrying job", zap.Duration("backoff", delay), zap.Error(err))
	if !sleep(ctx, delay) {
		w.requeue(context.WithoutCancel(ctx), item, log)
		return
	}
	item.Attempt++
	if !w.requeue(ctx, item, log) {
		w.exec.Fail(ctx, item.JobID, fmt.Errorf("requeue after %w", err))
	}
}

// startSpan continues the trace that submitted the job, when one was carried.
func (w *Worker) startSpan(ctx context.Context, item discovery.QueueItem) (context.Context, trace.Span) {
	propagator := w.cfg.Propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	ctx = propagator.Extract(ctx, propagation.MapCarrier(item.Trace))
	return telemetry.Tracer().Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("job_id", item.JobID),
		attribute.Int("attempt", item.Attempt),
	))
}

func (w *Worker) requeue(ctx context.Context, item discovery.QueueItem, log *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item.Submitted = w.clock.Now().Unix()
	if err := w.queue.Enqueue(ctx, item); err != nil {
		log.Error("requeue job failed", zap.Error(err))
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
