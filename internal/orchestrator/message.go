package orchestrator

import (
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// MessageType tags a stream message.
type MessageType string

// Stream message types.
const (
	TypeEvent          MessageType = "event"
	TypePlatformStatus MessageType = "platform_status"
	TypeSearchComplete MessageType = "search_complete"
	TypeError          MessageType = "error"
	TypeHeartbeat      MessageType = "heartbeat"
)

// Result sources reported on event and search_complete messages.
const (
	SourceCache    = "cache"
	SourceDatabase = "database"
	SourceLive     = "live_scraping"
)

// Message is one frame of a search stream.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventData is the payload of an event message.
type EventData struct {
	Event    discovery.Event `json:"event"`
	Source   string          `json:"source"`
	Platform string          `json:"platform"`
}

// PlatformSummary is one entry of a platform_status message.
type PlatformSummary struct {
	Platform    string `json:"platform"`
	Status      string `json:"status"`
	EventsFound int    `json:"eventsFound"`
	Error       string `json:"error,omitempty"`
}

// PlatformStatusData is the payload of a platform_status message.
type PlatformStatusData struct {
	Platforms []PlatformSummary `json:"platforms"`
}

// CompleteData is the payload of the terminal search_complete message.
type CompleteData struct {
	TotalEvents      int      `json:"totalEvents"`
	Source           string   `json:"source"`
	Cached           bool     `json:"cached,omitempty"`
	Timeout          bool     `json:"timeout,omitempty"`
	JobID            string   `json:"jobId,omitempty"`
	JobStatus        string   `json:"jobStatus,omitempty"`
	PlatformsScraped []string `json:"platformsScraped,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// HeartbeatData keeps idle connections alive.
type HeartbeatData struct {
	JobID     string `json:"jobId,omitempty"`
	JobStatus string `json:"jobStatus,omitempty"`
}

func summarize(statuses []discovery.PlatformStatus) PlatformStatusData {
	out := PlatformStatusData{Platforms: make([]PlatformSummary, 0, len(statuses))}
	for _, s := range statuses {
		out.Platforms = append(out.Platforms, PlatformSummary{
			Platform:    s.Platform,
			Status:      string(s.Status),
			EventsFound: s.EventsFound,
			Error:       s.Error,
		})
	}
	return out
}
