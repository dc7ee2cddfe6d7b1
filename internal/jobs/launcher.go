package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// ErrLauncherClosed is returned by Launch after Close.
var ErrLauncherClosed = errors.New("launcher closed")

// ErrSaturated is returned when the pool is full and no queue is configured.
var ErrSaturated = errors.New("launcher saturated")

// LauncherConfig bounds detached execution.
type LauncherConfig struct {
	MaxConcurrent int
	JobTimeout    time.Duration
}

// Launcher runs jobs on a bounded pool whose context belongs to the
// launcher, so a cancelled request never cancels the crawl it started.
type Launcher struct {
	exec   Executor
	jobs   discovery.JobStore
	queue  discovery.Queue
	clock  discovery.Clock
	cfg    LauncherConfig
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewLauncher constructs a Launcher. queue may be nil, in which case a full
// pool rejects with ErrSaturated.
func NewLauncher(cfg LauncherConfig, exec Executor, jobStore discovery.JobStore, queue discovery.Queue, clock discovery.Clock, logger *zap.Logger) *Launcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	l := &Launcher{
		exec:   exec,
		jobs:   jobStore,
		queue:  queue,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("launcher"),
		base:   base,
		cancel: cancel,
	}
	l.group.SetLimit(cfg.MaxConcurrent)
	return l
}

// Launch starts jobID in the background. When every slot is busy the job
// is moved to queued and handed to the queue workers instead.
func (l *Launcher) Launch(jobID string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLauncherClosed
	}
	if l.group.TryGo(func() error {
		l.run(jobID)
		return nil
	}) {
		return nil
	}
	if l.queue == nil {
		return ErrSaturated
	}

	ctx, cancel := context.WithTimeout(l.base, 5*time.Second)
	defer cancel()
	if err := l.jobs.TransitionJob(ctx, jobID, discovery.JobStatusQueued, ""); err != nil {
		return fmt.Errorf("queue job %s: %w", jobID, err)
	}
	item := discovery.QueueItem{JobID: jobID, Attempt: 1, Submitted: l.clock.Now().Unix()}
	if err := l.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("hand off job %s: %w", jobID, err)
	}
	l.logger.Info("pool saturated, job queued", zap.String("job_id", jobID))
	return nil
}

func (l *Launcher) run(jobID string) {
	ctx, cancel := context.WithTimeout(l.base, l.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("job panicked", zap.String("job_id", jobID), zap.Any("panic", rec), zap.Stack("stack"))
			l.exec.Fail(ctx, jobID, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := l.exec.Execute(ctx, jobID); err != nil {
		l.logger.Warn("job execution failed", zap.String("job_id", jobID), zap.Error(err))
		l.exec.Fail(ctx, jobID, err)
	}
}

// Close stops accepting jobs and waits for running ones until ctx ends, at
// which point their contexts are cancelled.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = l.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return fmt.Errorf("launcher shutdown: %w", ctx.Err())
	}
}
