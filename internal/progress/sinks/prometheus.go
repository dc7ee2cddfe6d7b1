package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/techevents-crawler/internal/progress"
)

// PrometheusSink exports job and pipeline progress via Prometheus.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	platformResults  *prometheus.CounterVec
	platformDuration *prometheus.HistogramVec
	records          *prometheus.CounterVec
	dedupMatches     *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "techevents_jobs_started_total",
			Help: "Total scraping jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "techevents_jobs_completed_total",
			Help: "Total scraping jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "techevents_jobs_running",
			Help: "Current number of running scraping jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "techevents_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		platformResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "techevents_platform_results_total",
			Help: "Platform crawls inside jobs partitioned by backend and status.",
		}, []string{"platform", "backend", "status"}),
		platformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "techevents_platform_duration_seconds",
			Help:    "Time spent crawling and processing one platform.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "techevents_pipeline_records_total",
			Help: "Pipeline outcomes partitioned by platform, outcome and reject reason.",
		}, []string{"platform", "outcome", "reason"}),
		dedupMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "techevents_dedup_matches_total",
			Help: "Duplicate rejections partitioned by matching tier.",
		}, []string{"tier"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.platformResults,
		s.platformDuration,
		s.records,
		s.dedupMatches,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StagePlatformDone:
		backend := evt.Backend
		if backend == "" {
			backend = "none"
		}
		status := "completed"
		if evt.Note != "" {
			status = "failed"
		}
		s.platformResults.WithLabelValues(evt.Platform, backend, status).Inc()
		if evt.Dur > 0 {
			s.platformDuration.WithLabelValues(evt.Platform).Observe(evt.Dur.Seconds())
		}
	case progress.StageRecordSaved:
		s.records.WithLabelValues(evt.Platform, "saved", "").Inc()
	case progress.StageRecordRejected:
		s.records.WithLabelValues(evt.Platform, "rejected", evt.Reason).Inc()
		if evt.Tier != "" {
			s.dedupMatches.WithLabelValues(evt.Tier).Inc()
		}
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		s.jobsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
