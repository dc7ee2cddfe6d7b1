package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
)

// DefaultMaxResults applies when a request leaves maxResults unset.
const DefaultMaxResults = 50

// SearchRequest is the body of a search call.
type SearchRequest struct {
	Query      string                  `json:"query" validate:"required,min=1,max=100"`
	Filters    discovery.SearchFilters `json:"filters"`
	Platforms  []string                `json:"platforms,omitempty" validate:"omitempty,dive,oneof=luma eventbrite"`
	MaxResults int                     `json:"maxResults,omitempty" validate:"omitempty,min=1,max=100"`
}

// Normalized trims and defaults the request so equal searches share a key.
func (r SearchRequest) Normalized() SearchRequest {
	r.Query = strings.TrimSpace(r.Query)
	r.Filters.City = strings.TrimSpace(r.Filters.City)
	r.Filters.Platforms = slices.Clone(r.Filters.Platforms)
	r.Platforms = jobs.NormalizePlatforms(r.Platforms)
	if r.MaxResults <= 0 {
		r.MaxResults = DefaultMaxResults
	}
	return r
}

// CacheKey is "search:" plus the SHA-256 of the normalized request with
// case folded and platform lists sorted.
func (r SearchRequest) CacheKey() string {
	n := r.Normalized()
	n.Query = strings.ToLower(n.Query)
	n.Filters.City = strings.ToLower(n.Filters.City)
	slices.Sort(n.Platforms)
	slices.Sort(n.Filters.Platforms)
	body, _ := json.Marshal(n)
	sum := sha256.Sum256(body)
	return "search:" + hex.EncodeToString(sum[:])
}

// StoreQuery maps the request onto a store search for events on or after now.
func (r SearchRequest) StoreQuery(now time.Time) discovery.SearchQuery {
	n := r.Normalized()
	q := discovery.SearchQuery{
		Text:      n.Query,
		City:      n.Filters.City,
		EventType: discovery.EventType(n.Filters.EventType),
		Platforms: n.Filters.Platforms,
		From:      now,
		Limit:     n.MaxResults,
	}
	switch n.Filters.Price {
	case "free":
		free := true
		q.IsFree = &free
	case "paid":
		free := false
		q.IsFree = &free
	}
	switch n.Filters.Date {
	case "today":
		y, m, d := now.UTC().Date()
		q.To = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	case "week":
		q.To = now.Add(7 * 24 * time.Hour)
	case "month":
		q.To = now.Add(30 * 24 * time.Hour)
	}
	return q
}
