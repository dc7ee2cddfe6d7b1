package discovery

import (
	"context"
	"io"
	"time"
)

// EventStore persists canonical events and answers search and dedup queries.
type EventStore interface {
	CreateEvent(ctx context.Context, evt Event, categories []EventCategory) (int64, error)
	UpdateEvent(ctx context.Context, evt Event, categories []EventCategory) error
	FindDuplicate(ctx context.Context, probe DuplicateProbe) (DuplicateMatch, error)
	SearchEvents(ctx context.Context, q SearchQuery) ([]Event, error)
	ListJobEventsAfter(ctx context.Context, jobID string, afterID int64, limit int) ([]Event, error)
	ListJobEvents(ctx context.Context, jobID string) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// JobStore persists scraping jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job ScrapingJob) error
	GetJob(ctx context.Context, jobID string) (ScrapingJob, error)
	// TransitionJob moves a job to next, stamping startedAt/completedAt.
	// It returns ErrInvalidTransition when the current status does not allow it.
	TransitionJob(ctx context.Context, jobID string, next JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, jobID string, eventsScraped int, statuses []PlatformStatus) error
}

// Cache is a key/TTL store. Values are opaque bytes; counters are stored as
// decimal strings so Get can read what Incr wrote.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// DedupTier names the rule that matched a duplicate.
type DedupTier string

// Dedup tiers in evaluation order.
const (
	TierSourceID  DedupTier = "source-id"
	TierFuzzy     DedupTier = "fuzzy"
	TierURLPrefix DedupTier = "url-prefix"
)

// DuplicateProbe carries the identity of a candidate event.
type DuplicateProbe struct {
	Platform  string
	SourceID  string
	Title     string
	City      string
	EventDate time.Time
	Window    time.Duration
	URL       string
}

// NewDuplicateProbe builds a probe with normalized identity fields.
func NewDuplicateProbe(evt Event, window time.Duration) DuplicateProbe {
	return DuplicateProbe{
		Platform:  evt.SourcePlatform,
		SourceID:  NormalizeSourceID(evt.SourceID),
		Title:     evt.Title,
		City:      evt.City,
		EventDate: evt.EventDate,
		Window:    window,
		URL:       URLPrefixKey(evt.ExternalURL),
	}
}

// Match evaluates the tiers against one stored event. Stores without a
// query engine use it directly.
func (p DuplicateProbe) Match(existing Event) (DedupTier, bool) {
	if existing.SourcePlatform == p.Platform && NormalizeSourceID(existing.SourceID) == p.SourceID && p.SourceID != "" {
		return TierSourceID, true
	}
	if existing.SourcePlatform == p.Platform &&
		equalFold(existing.Title, p.Title) &&
		equalFold(existing.City, p.City) &&
		absDuration(existing.EventDate.Sub(p.EventDate)) <= p.Window {
		return TierFuzzy, true
	}
	if p.URL != "" && hasPrefix(NormalizeURL(existing.ExternalURL), p.URL) {
		return TierURLPrefix, true
	}
	return "", false
}

// DuplicateMatch is the stored event a probe collided with.
type DuplicateMatch struct {
	Tier  DedupTier
	Event Event
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
