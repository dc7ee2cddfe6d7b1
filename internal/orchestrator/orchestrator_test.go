package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachemem "github.com/JakeFAU/techevents-crawler/internal/cache/memory"
	"github.com/JakeFAU/techevents-crawler/internal/clock"
	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/id"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
	"github.com/JakeFAU/techevents-crawler/internal/storage/memory"
)

var testNow = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock  *clock.Manual
	events *memory.EventStore
	jobs   *memory.JobStore
	cache  *cachemem.Cache
	sched  *jobs.Scheduler
}

func newHarness() *harness {
	clk := clock.NewManual(testNow)
	jobStore := memory.NewJobStore(clk)
	return &harness{
		clock:  clk,
		events: memory.NewEventStore(),
		jobs:   jobStore,
		cache:  cachemem.New(cachemem.Config{Clock: clk}),
		sched:  jobs.NewScheduler(jobStore, id.NewSequence("job-1", "job-2"), clk, nil, 0),
	}
}

func (h *harness) orchestrator(cfg Config, creator JobCreator, launcher JobLauncher) *Orchestrator {
	if creator == nil {
		creator = h.sched
	}
	return New(cfg, h.events, h.jobs, h.cache, creator, launcher, h.clock, zap.NewNop())
}

func sampleEvent(title string, quality int, jobID string) discovery.Event {
	return discovery.Event{
		Title:          title,
		Description:    "hands-on session",
		EventType:      discovery.EventTypeWorkshop,
		EventDate:      testNow.Add(72 * time.Hour),
		City:           "Seattle",
		TechStack:      []string{"react"},
		QualityScore:   quality,
		ExternalURL:    "https://lu.ma/" + title,
		SourcePlatform: discovery.PlatformLuma,
		SourceID:       title,
		JobID:          jobID,
	}
}

func (h *harness) addEvent(t *testing.T, title string, quality int, jobID string) discovery.Event {
	t.Helper()
	evt := sampleEvent(title, quality, jobID)
	eventID, err := h.events.CreateEvent(context.Background(), evt, nil)
	require.NoError(t, err)
	evt.ID = eventID
	return evt
}

type recorder struct {
	mu       sync.Mutex
	messages []Message
	failOn   MessageType
}

func (r *recorder) emit(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && m.Type == r.failOn {
		return errors.New("client went away")
	}
	r.messages = append(r.messages, m)
	return nil
}

func (r *recorder) ofType(typ MessageType) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// complete asserts exactly one search_complete and that it is last.
func (r *recorder) complete(t *testing.T) CompleteData {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, m := range r.messages {
		if m.Type == TypeSearchComplete {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one search_complete")
	last := r.messages[len(r.messages)-1]
	require.Equal(t, TypeSearchComplete, last.Type)
	return last.Data.(CompleteData)
}

type launchFunc func(jobID string) error

func (f launchFunc) Launch(jobID string) error { return f(jobID) }

type failingCreator struct{}

func (failingCreator) CreatePending(context.Context, jobs.Spec) (discovery.ScrapingJob, error) {
	return discovery.ScrapingJob{}, errors.New("database unavailable")
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour, Timeout: 2 * time.Second}
}

func TestSearchStoreFirstOrdersByQuality(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.addEvent(t, "react-basics", 40, "")
	h.addEvent(t, "react-advanced", 90, "")
	h.addEvent(t, "react-testing", 70, "")
	launches := 0
	o := h.orchestrator(fastConfig(), nil, launchFunc(func(string) error { launches++; return nil }))

	rec := &recorder{}
	req := SearchRequest{Query: "react", Filters: discovery.SearchFilters{City: "Seattle"}}
	require.NoError(t, o.Search(context.Background(), req, rec.emit))

	events := rec.ofType(TypeEvent)
	require.Len(t, events, 3)
	var titles []string
	for _, m := range events {
		data := m.Data.(EventData)
		require.Equal(t, SourceDatabase, data.Source)
		titles = append(titles, data.Event.Title)
	}
	require.Equal(t, []string{"react-advanced", "react-testing", "react-basics"}, titles)
	done := rec.complete(t)
	require.Equal(t, 3, done.TotalEvents)
	require.Equal(t, SourceDatabase, done.Source)
	require.Zero(t, launches)

	// The same search is now answered from the cache.
	rec = &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: " React ", Filters: discovery.SearchFilters{City: "seattle"}}, rec.emit))
	done = rec.complete(t)
	require.Equal(t, SourceCache, done.Source)
	require.True(t, done.Cached)
	require.Equal(t, 3, done.TotalEvents)
}

func TestSearchLiveZeroResults(t *testing.T) {
	t.Parallel()

	h := newHarness()
	launcher := launchFunc(func(jobID string) error {
		go func() {
			ctx := context.Background()
			_ = h.jobs.TransitionJob(ctx, jobID, discovery.JobStatusRunning, "")
			_ = h.jobs.UpdateJobProgress(ctx, jobID, 0, []discovery.PlatformStatus{
				{Platform: discovery.PlatformLuma, Status: discovery.PlatformCompleted, Backend: "none"},
				{Platform: discovery.PlatformEventbrite, Status: discovery.PlatformCompleted, Backend: "none"},
			})
			_ = h.jobs.TransitionJob(ctx, jobID, discovery.JobStatusCompleted, "")
		}()
		return nil
	})
	o := h.orchestrator(fastConfig(), nil, launcher)

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "cobol"}, rec.emit))

	require.Empty(t, rec.ofType(TypeEvent))
	statuses := rec.ofType(TypePlatformStatus)
	require.NotEmpty(t, statuses)
	final := statuses[len(statuses)-1].Data.(PlatformStatusData)
	require.Len(t, final.Platforms, 2)
	for _, p := range final.Platforms {
		require.Equal(t, string(discovery.PlatformCompleted), p.Status)
		require.Zero(t, p.EventsFound)
	}
	done := rec.complete(t)
	require.Zero(t, done.TotalEvents)
	require.Equal(t, SourceLive, done.Source)
	require.Equal(t, string(discovery.JobStatusCompleted), done.JobStatus)
	require.False(t, done.Timeout)
	require.ElementsMatch(t, []string{discovery.PlatformLuma, discovery.PlatformEventbrite}, done.PlatformsScraped)
}

func TestSearchLiveStreamsEventsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	launcher := launchFunc(func(jobID string) error {
		go func() {
			ctx := context.Background()
			_ = h.jobs.TransitionJob(ctx, jobID, discovery.JobStatusRunning, "")
			_, _ = h.events.CreateEvent(ctx, sampleEvent("go-night", 60, jobID), nil)
			time.Sleep(20 * time.Millisecond)
			_, _ = h.events.CreateEvent(ctx, sampleEvent("go-workshop", 80, jobID), nil)
			_ = h.jobs.UpdateJobProgress(ctx, jobID, 2, []discovery.PlatformStatus{
				{Platform: discovery.PlatformLuma, Status: discovery.PlatformCompleted, EventsFound: 2},
				{Platform: discovery.PlatformEventbrite, Status: discovery.PlatformSkipped},
			})
			_ = h.jobs.TransitionJob(ctx, jobID, discovery.JobStatusCompleted, "")
		}()
		return nil
	})
	o := h.orchestrator(fastConfig(), nil, launcher)

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "golang"}, rec.emit))

	events := rec.ofType(TypeEvent)
	require.Len(t, events, 2)
	require.Equal(t, "go-night", events[0].Data.(EventData).Event.Title)
	require.Equal(t, "go-workshop", events[1].Data.(EventData).Event.Title)
	require.Equal(t, SourceLive, events[0].Data.(EventData).Source)
	done := rec.complete(t)
	require.Equal(t, 2, done.TotalEvents)
	require.Equal(t, []string{discovery.PlatformLuma}, done.PlatformsScraped)

	// Completed live results are written through to the cache.
	raw, ok, err := h.cache.Get(context.Background(), SearchRequest{Query: "golang"}.CacheKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), "go-workshop")
}

func TestSearchLiveTimeoutKeepsPartialResults(t *testing.T) {
	t.Parallel()

	h := newHarness()
	var launched string
	launcher := launchFunc(func(jobID string) error {
		launched = jobID
		_ = h.jobs.TransitionJob(context.Background(), jobID, discovery.JobStatusRunning, "")
		h.addEvent(t, "rust-1", 50, jobID)
		h.addEvent(t, "rust-2", 55, jobID)
		return nil
	})
	cfg := fastConfig()
	cfg.Timeout = 60 * time.Millisecond
	o := h.orchestrator(cfg, nil, launcher)

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "rust"}, rec.emit))

	require.Len(t, rec.ofType(TypeEvent), 2)
	done := rec.complete(t)
	require.Equal(t, 2, done.TotalEvents)
	require.True(t, done.Timeout)
	require.Equal(t, string(discovery.JobStatusRunning), done.JobStatus)

	// The job itself is untouched by the stream ending.
	job, err := h.jobs.GetJob(context.Background(), launched)
	require.NoError(t, err)
	require.Equal(t, discovery.JobStatusRunning, job.Status)

	// Timed-out results are not cached.
	_, ok, err := h.cache.Get(context.Background(), SearchRequest{Query: "rust"}.CacheKey())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSearchCancelledContextEndsCleanly(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.orchestrator(fastConfig(), nil, launchFunc(func(string) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	rec := &recorder{}
	require.NoError(t, o.Search(ctx, SearchRequest{Query: "elixir"}, rec.emit))
	done := rec.complete(t)
	require.True(t, done.Timeout)
	require.Equal(t, string(discovery.JobStatusPending), done.JobStatus)
}

func TestSearchJobCreationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.orchestrator(fastConfig(), failingCreator{}, launchFunc(func(string) error { return nil }))

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "kotlin"}, rec.emit))

	errs := rec.ofType(TypeError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Data.(ErrorData).Error, "database unavailable")
	done := rec.complete(t)
	require.Zero(t, done.TotalEvents)
	require.Equal(t, SourceLive, done.Source)
	require.Equal(t, string(discovery.JobStatusFailed), done.JobStatus)
}

func TestSearchHeartbeats(t *testing.T) {
	t.Parallel()

	h := newHarness()
	cfg := Config{PollInterval: time.Hour, HeartbeatInterval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond}
	o := h.orchestrator(cfg, nil, launchFunc(func(string) error { return nil }))

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "scala"}, rec.emit))
	require.NotEmpty(t, rec.ofType(TypeHeartbeat))
	require.True(t, rec.complete(t).Timeout)
}

func TestSearchStopsWhenClientLeaves(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.addEvent(t, "react-basics", 40, "")
	o := h.orchestrator(fastConfig(), nil, launchFunc(func(string) error { return nil }))

	rec := &recorder{failOn: TypeEvent}
	err := o.Search(context.Background(), SearchRequest{Query: "react"}, rec.emit)
	require.Error(t, err)
	require.Empty(t, rec.ofType(TypeSearchComplete))
}

func TestSearchStoreErrorFallsBackToLive(t *testing.T) {
	t.Parallel()

	h := newHarness()
	launched := false
	o := New(fastConfig(), brokenSearch{h.events}, h.jobs, nil, h.sched, launchFunc(func(jobID string) error {
		launched = true
		_ = h.jobs.TransitionJob(context.Background(), jobID, discovery.JobStatusRunning, "")
		_ = h.jobs.TransitionJob(context.Background(), jobID, discovery.JobStatusCompleted, "")
		return nil
	}), h.clock, nil)

	rec := &recorder{}
	require.NoError(t, o.Search(context.Background(), SearchRequest{Query: "react"}, rec.emit))
	require.True(t, launched)
	require.Equal(t, SourceLive, rec.complete(t).Source)
}

type brokenSearch struct {
	*memory.EventStore
}

func (brokenSearch) SearchEvents(context.Context, discovery.SearchQuery) ([]discovery.Event, error) {
	return nil, errors.New("connection refused")
}

// stallingJobs answers the first GetJob and then blocks until ctx ends.
type stallingJobs struct {
	*memory.JobStore
	mu    sync.Mutex
	calls int
}

func (s *stallingJobs) GetJob(ctx context.Context, jobID string) (discovery.ScrapingJob, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == 1 {
		return s.JobStore.GetJob(ctx, jobID)
	}
	<-ctx.Done()
	return discovery.ScrapingJob{}, ctx.Err()
}

func TestSearchStalledStoreStillTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness()
	stalled := &stallingJobs{JobStore: h.jobs}
	cfg := fastConfig()
	cfg.Timeout = 100 * time.Millisecond
	o := New(cfg, h.events, stalled, nil, h.sched, launchFunc(func(string) error { return nil }), h.clock, zap.NewNop())

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- o.Search(context.Background(), SearchRequest{Query: "zig"}, rec.emit) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open long after the search timeout")
	}
	complete := rec.complete(t)
	require.True(t, complete.Timeout)
	require.Equal(t, string(discovery.JobStatusPending), complete.JobStatus)
}
