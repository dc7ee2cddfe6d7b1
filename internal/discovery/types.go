// Package discovery defines the domain types shared by the crawl, pipeline,
// orchestration, and storage layers.
package discovery

import (
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from s to next.
// running -> running is allowed so a queue retry can re-enter execution.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusQueued || next == JobStatusRunning
	case JobStatusQueued:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusRunning || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Predecessors lists the states from which next is reachable.
func Predecessors(next JobStatus) []JobStatus {
	out := make([]JobStatus, 0, 3)
	for _, s := range []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Platform names understood by the crawl adapters.
const (
	PlatformLuma       = "luma"
	PlatformEventbrite = "eventbrite"
	PlatformMulti      = "multi"
)

// DefaultPlatforms is used when a request does not name any.
var DefaultPlatforms = []string{PlatformLuma, PlatformEventbrite}

// KnownPlatform reports whether p has a crawl adapter.
func KnownPlatform(p string) bool {
	return p == PlatformLuma || p == PlatformEventbrite
}

// EventType classifies an event.
type EventType string

// Supported event types.
const (
	EventTypeWorkshop   EventType = "workshop"
	EventTypeConference EventType = "conference"
	EventTypeMeetup     EventType = "meetup"
	EventTypeHackathon  EventType = "hackathon"
	EventTypeNetworking EventType = "networking"
)

// Valid reports whether t is one of the supported types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeWorkshop, EventTypeConference, EventTypeMeetup, EventTypeHackathon, EventTypeNetworking:
		return true
	default:
		return false
	}
}

// Event is the canonical record of a discovered event.
type Event struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	EventType         EventType  `json:"eventType"`
	EventDate         time.Time  `json:"eventDate"`
	EventEndDate      *time.Time `json:"eventEndDate,omitempty"`
	City              string     `json:"city"`
	Country           string     `json:"country,omitempty"`
	VenueName         string     `json:"venueName,omitempty"`
	VenueAddress      string     `json:"venueAddress,omitempty"`
	IsOnline          bool       `json:"isOnline"`
	IsFree            bool       `json:"isFree"`
	PriceMin          *float64   `json:"priceMin,omitempty"`
	PriceMax          *float64   `json:"priceMax,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	OrganizerName     string     `json:"organizerName,omitempty"`
	OrganizerURL      string     `json:"organizerUrl,omitempty"`
	TechStack         []string   `json:"techStack"`
	QualityScore      int        `json:"qualityScore"`
	CompletenessScore int        `json:"completenessScore"`
	ExternalURL       string     `json:"externalUrl"`
	ImageURL          string     `json:"imageUrl,omitempty"`
	SourcePlatform    string     `json:"sourcePlatform"`
	SourceID          string     `json:"sourceId"`
	JobID             string     `json:"jobId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Category kinds stored on EventCategory rows.
const (
	CategoryTech      = "tech"
	CategoryEventType = "event_type"
)

// EventCategory is a denormalized tag row derived from an event.
type EventCategory struct {
	EventID    int64   `json:"eventId"`
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// CategoriesFor derives the category rows for an event.
func CategoriesFor(evt Event) []EventCategory {
	out := make([]EventCategory, 0, len(evt.TechStack)+1)
	for _, tag := range evt.TechStack {
		out = append(out, EventCategory{EventID: evt.ID, Category: CategoryTech, Value: tag, Confidence: 0.9})
	}
	if evt.EventType != "" {
		out = append(out, EventCategory{
			EventID:    evt.ID,
			Category:   CategoryEventType,
			Value:      string(evt.EventType),
			Confidence: 1.0,
		})
	}
	return out
}

// PlatformState is the per-platform progress of a job.
type PlatformState string

// Platform progress values.
const (
	PlatformPending   PlatformState = "pending"
	PlatformRunning   PlatformState = "running"
	PlatformCompleted PlatformState = "completed"
	PlatformFailed    PlatformState = "failed"
	PlatformSkipped   PlatformState = "skipped"
)

// PlatformStatus summarizes one platform inside a job.
type PlatformStatus struct {
	Platform    string        `json:"platform"`
	Status      PlatformState `json:"status"`
	EventsFound int           `json:"eventsFound"`
	Backend     string        `json:"backend,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ScrapingJob tracks one crawl request.
type ScrapingJob struct {
	ID               string           `json:"id"`
	Platform         string           `json:"platform"`
	Status           JobStatus        `json:"status"`
	Query            string           `json:"query"`
	City             string           `json:"city,omitempty"`
	Platforms        []string         `json:"platforms"`
	MaxItems         int              `json:"maxItems"`
	PlatformStatuses []PlatformStatus `json:"platformStatuses,omitempty"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	EventsScraped    int              `json:"eventsScraped"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	Attempts         int              `json:"attempts"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// PlatformFor returns the job platform label for a platform list.
func PlatformFor(platforms []string) string {
	if len(platforms) == 1 {
		return platforms[0]
	}
	return PlatformMulti
}

// InitialStatuses builds pending entries for each platform.
func InitialStatuses(platforms []string) []PlatformStatus {
	out := make([]PlatformStatus, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, PlatformStatus{Platform: p, Status: PlatformPending})
	}
	return out
}

// SearchFilters narrows a search.
type SearchFilters struct {
	City      string   `json:"city,omitempty" validate:"omitempty,max=100"`
	EventType string   `json:"eventType,omitempty" validate:"omitempty,oneof=workshop conference meetup hackathon networking"`
	Price     string   `json:"price,omitempty" validate:"omitempty,oneof=free paid"`
	Date      string   `json:"date,omitempty" validate:"omitempty,oneof=today week month"`
	Platforms []string `json:"platforms,omitempty" validate:"omitempty,dive,oneof=luma eventbrite"`
}

// SearchQuery is the store-level form of a search.
type SearchQuery struct {
	Text      string
	City      string
	EventType EventType
	IsFree    *bool
	Platforms []string
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether evt satisfies q. Stores without a query engine
// use it directly.
func (q SearchQuery) Matches(evt Event) bool {
	if !q.From.IsZero() && evt.EventDate.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && evt.EventDate.After(q.To) {
		return false
	}
	if q.City != "" && !equalFold(evt.City, q.City) {
		return false
	}
	if q.EventType != "" && evt.EventType != q.EventType {
		return false
	}
	if q.IsFree != nil && evt.IsFree != *q.IsFree {
		return false
	}
	if len(q.Platforms) > 0 && !slices.Contains(q.Platforms, evt.SourcePlatform) {
		return false
	}
	if q.Text == "" {
		return true
	}
	return containsFold(evt.Title, q.Text) ||
		containsFold(evt.Description, q.Text) ||
		slices.ContainsFunc(evt.TechStack, func(tag string) bool { return equalFold(tag, q.Text) })
}

// QueueItem wraps a job ready to run on the asynchronous path.
type QueueItem struct {
	JobID     string `json:"jobId"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
	// Trace carries the submitter's trace context across the queue.
	Trace map[string]string `json:"trace,omitempty"`
}
