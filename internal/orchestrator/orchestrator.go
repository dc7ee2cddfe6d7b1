// Package orchestrator serves searches as a stream: cached results first,
// then stored results, and otherwise a live crawl whose events are streamed
// as the background job persists them.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
	"github.com/JakeFAU/techevents-crawler/internal/metrics"
	"github.com/JakeFAU/techevents-crawler/internal/telemetry"
)

// JobCreator persists the job behind a live search.
type JobCreator interface {
	CreatePending(ctx context.Context, spec jobs.Spec) (discovery.ScrapingJob, error)
}

// JobLauncher starts a job without tying it to the caller's context.
type JobLauncher interface {
	Launch(jobID string) error
}

// EmitFunc writes one message to the client. An error means the client is
// gone and the stream ends.
type EmitFunc func(Message) error

// Config tunes the live poll loop and cache.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	CacheTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Orchestrator runs searches.
type Orchestrator struct {
	cfg      Config
	events   discovery.EventStore
	jobs     discovery.JobStore
	cache    discovery.Cache
	creator  JobCreator
	launcher JobLauncher
	clock    discovery.Clock
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New wires an Orchestrator. cache may be nil.
func New(
	cfg Config,
	events discovery.EventStore,
	jobStore discovery.JobStore,
	cache discovery.Cache,
	creator JobCreator,
	launcher JobLauncher,
	clock discovery.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		events:   events,
		jobs:     jobStore,
		cache:    cache,
		creator:  creator,
		launcher: launcher,
		clock:    clock,
		tracer:   telemetry.Tracer(),
		logger:   logger.Named("orchestrator"),
	}
}

// Search streams results for req through emit and always finishes with
// exactly one search_complete message unless emit itself fails, in which
// case the emit error is returned and nothing more is written.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest, emit EmitFunc) error {
	req = req.Normalized()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Search", trace.WithAttributes(
		attribute.String("query", req.Query),
		attribute.StringSlice("platforms", req.Platforms),
	))
	defer span.End()

	log := o.logger.With(zap.String("query", req.Query), zap.String("city", req.Filters.City))
	key := req.CacheKey()

	if cached, ok := o.fromCache(ctx, key, log); ok {
		span.SetAttributes(attribute.String("source", SourceCache))
		return o.streamStatic(cached, SourceCache, emit)
	}

	stored, err := o.events.SearchEvents(ctx, req.StoreQuery(o.clock.Now()))
	if err != nil {
		log.Warn("store search failed, falling back to live crawl", zap.Error(err))
	}
	if len(stored) > 0 {
		span.SetAttributes(attribute.String("source", SourceDatabase))
		if err := o.streamStatic(stored, SourceDatabase, emit); err != nil {
			return err
		}
		o.toCache(ctx, key, stored, log)
		return nil
	}

	span.SetAttributes(attribute.String("source", SourceLive))
	return o.live(ctx, req, key, emit, log)
}

// streamStatic sends a fixed result set followed by search_complete.
func (o *Orchestrator) streamStatic(events []discovery.Event, source string, emit EmitFunc) error {
	for _, evt := range events {
		if err := o.send(emit, TypeEvent, EventData{Event: evt, Source: source, Platform: evt.SourcePlatform}); err != nil {
			return err
		}
	}
	metrics.ObserveSearch(source, false)
	return o.send(emit, TypeSearchComplete, CompleteData{
		TotalEvents: len(events),
		Source:      source,
		Cached:      source == SourceCache,
	})
}

func (o *Orchestrator) fromCache(ctx context.Context, key string, log *zap.Logger) ([]discovery.Event, bool) {
	if o.cache == nil {
		return nil, false
	}
	raw, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		log.Debug("cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var events []discovery.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return events, len(events) > 0
}

func (o *Orchestrator) toCache(ctx context.Context, key string, events []discovery.Event, log *zap.Logger) {
	if o.cache == nil || len(events) == 0 {
		return
	}
	raw, err := json.Marshal(events)
	if err != nil {
		log.Warn("encode cache entry failed", zap.Error(err))
		return
	}
	if err := o.cache.Set(context.WithoutCancel(ctx), key, raw, o.cfg.CacheTTL); err != nil {
		log.Debug("cache write failed", zap.Error(err))
	}
}

func (o *Orchestrator) send(emit EmitFunc, typ MessageType, data any) error {
	if err := emit(Message{Type: typ, Data: data, Timestamp: o.clock.Now()}); err != nil {
		return fmt.Errorf("emit %s: %w", typ, err)
	}
	return nil
}

// live creates and launches a job, then follows it until it finishes,
// the deadline passes or ctx is cancelled.
func (o *Orchestrator) live(ctx context.Context, req SearchRequest, key string, emit EmitFunc, log *zap.Logger) error {
	job, err := o.creator.CreatePending(ctx, jobs.Spec{
		Query:     req.Query,
		City:      req.Filters.City,
		Platforms: req.Platforms,
		MaxItems:  req.MaxResults,
	})
	if err == nil {
		if lerr := o.launcher.Launch(job.ID); lerr != nil {
			err = fmt.Errorf("launch job %s: %w", job.ID, lerr)
		}
	}
	if err != nil {
		log.Error("live search could not start", zap.Error(err))
		if serr := o.send(emit, TypeError, ErrorData{Message: "Failed to start live search", Error: err.Error()}); serr != nil {
			return serr
		}
		metrics.ObserveSearch(SourceLive, false)
		return o.send(emit, TypeSearchComplete, CompleteData{
			Source:    SourceLive,
			JobID:     job.ID,
			JobStatus: string(discovery.JobStatusFailed),
		})
	}

	log = log.With(zap.String("job_id", job.ID))
	log.Info("live search started", zap.Strings("platforms", job.Platforms))
	p := &poller{
		o:         o,
		jobID:     job.ID,
		emit:      emit,
		log:       log,
		jobStatus: job.Status,
	}
	if err := p.run(ctx); err != nil {
		return err
	}

	if p.total > 0 && !p.timedOut {
		o.toCache(ctx, key, p.streamed, log)
	}
	metrics.ObserveSearch(SourceLive, p.timedOut)
	log.Info("live search finished",
		zap.Int("events", p.total),
		zap.Bool("timeout", p.timedOut),
		zap.String("job_status", string(p.jobStatus)),
	)
	return o.send(emit, TypeSearchComplete, CompleteData{
		TotalEvents:      p.total,
		Source:           SourceLive,
		Timeout:          p.timedOut,
		JobID:            job.ID,
		JobStatus:        string(p.jobStatus),
		PlatformsScraped: p.platformsScraped(),
	})
}

type pollState int

const (
	statePolling pollState = iota
	stateDraining
	stateDone
)

// poller follows one job. The cursor is the highest event id streamed, so
// no event is sent twice.
type poller struct {
	o     *Orchestrator
	jobID string
	emit  EmitFunc
	log   *zap.Logger

	cursor    int64
	total     int
	streamed  []discovery.Event
	statuses  []discovery.PlatformStatus
	jobStatus discovery.JobStatus
	timedOut  bool
}

// drainTimeout bounds the final poll after the job has finished.
const drainTimeout = 2 * time.Second

// run polls until the job is terminal, the deadline passes or ctx ends.
// Store calls share the deadline so a stalled store cannot hold the stream open.
func (p *poller) run(ctx context.Context) error {
	cfg := p.o.cfg
	pollCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	tick := time.NewTicker(cfg.PollInterval)
	defer tick.Stop()
	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	state := statePolling
	for state != stateDone {
		switch state {
		case statePolling:
			if err := p.poll(pollCtx, false); err != nil {
				return err
			}
			if pollCtx.Err() != nil {
				p.timedOut = true
				state = stateDone
				continue
			}
			if p.jobStatus.Terminal() {
				state = stateDraining
				continue
			}
			select {
			case <-pollCtx.Done():
				p.timedOut = true
				state = stateDone
			case <-heartbeat.C:
				if err := p.o.send(p.emit, TypeHeartbeat, HeartbeatData{JobID: p.jobID, JobStatus: string(p.jobStatus)}); err != nil {
					return err
				}
			case <-tick.C:
			}
		case stateDraining:
			drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			err := p.poll(drainCtx, true)
			cancelDrain()
			if err != nil {
				return err
			}
			state = stateDone
		}
	}
	return nil
}

// poll reads the job, streams events past the cursor and, when anything
// changed (or final is set), a platform_status summary.
func (p *poller) poll(ctx context.Context, final bool) error {
	job, err := p.o.jobs.GetJob(ctx, p.jobID)
	if err != nil {
		p.log.Warn("poll job failed", zap.Error(err))
	} else {
		p.jobStatus = job.Status
	}

	events, err := p.o.events.ListJobEventsAfter(ctx, p.jobID, p.cursor, 0)
	if err != nil {
		p.log.Warn("poll events failed", zap.Error(err))
	}
	for _, evt := range events {
		if evt.ID <= p.cursor {
			continue
		}
		if err := p.o.send(p.emit, TypeEvent, EventData{Event: evt, Source: SourceLive, Platform: evt.SourcePlatform}); err != nil {
			return err
		}
		p.cursor = evt.ID
		p.total++
		p.streamed = append(p.streamed, evt)
	}

	changed := job.ID != "" && !slices.Equal(job.PlatformStatuses, p.statuses)
	if changed {
		p.statuses = slices.Clone(job.PlatformStatuses)
	}
	if len(events) > 0 || changed || final {
		if err := p.o.send(p.emit, TypePlatformStatus, summarize(p.statuses)); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) platformsScraped() []string {
	var out []string
	for _, s := range p.statuses {
		if s.Status == discovery.PlatformCompleted || s.Status == discovery.PlatformFailed {
			out = append(out, s.Platform)
		}
	}
	return out
}
