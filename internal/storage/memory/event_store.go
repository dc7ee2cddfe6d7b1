package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// EventStore keeps events in memory with the same identity and ordering
// rules as the relational store.
type EventStore struct {
	mu         sync.RWMutex
	nextID     int64
	events     map[int64]discovery.Event
	bySource   map[string]int64
	categories map[int64][]discovery.EventCategory
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events:     make(map[int64]discovery.Event),
		bySource:   make(map[string]int64),
		categories: make(map[int64][]discovery.EventCategory),
	}
}

func sourceKey(platform, sourceID string) string {
	return platform + "\x00" + discovery.NormalizeSourceID(sourceID)
}

// CreateEvent inserts evt with its categories and returns the new id.
func (s *EventStore) CreateEvent(_ context.Context, evt discovery.Event, cats []discovery.EventCategory) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(evt.SourcePlatform, evt.SourceID)
	if _, exists := s.bySource[key]; exists {
		return 0, fmt.Errorf("create event %s/%s: %w", evt.SourcePlatform, evt.SourceID, discovery.ErrConflict)
	}
	s.nextID++
	evt.ID = s.nextID
	evt.TechStack = slices.Clone(evt.TechStack)
	s.events[evt.ID] = evt
	s.bySource[key] = evt.ID
	s.categories[evt.ID] = withEventID(cats, evt.ID)
	return evt.ID, nil
}

// UpdateEvent replaces an event and recreates its categories.
func (s *EventStore) UpdateEvent(_ context.Context, evt discovery.Event, cats []discovery.EventCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.events[evt.ID]
	if !ok {
		return fmt.Errorf("update event %d: %w", evt.ID, discovery.ErrNotFound)
	}
	delete(s.bySource, sourceKey(prev.SourcePlatform, prev.SourceID))
	evt.TechStack = slices.Clone(evt.TechStack)
	s.events[evt.ID] = evt
	s.bySource[sourceKey(evt.SourcePlatform, evt.SourceID)] = evt.ID
	s.categories[evt.ID] = withEventID(cats, evt.ID)
	return nil
}

// FindDuplicate returns the best-tier match for probe, or ErrNotFound.
func (s *EventStore) FindDuplicate(_ context.Context, probe discovery.DuplicateProbe) (discovery.DuplicateMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.bySource[sourceKey(probe.Platform, probe.SourceID)]; ok && probe.SourceID != "" {
		return discovery.DuplicateMatch{Tier: discovery.TierSourceID, Event: s.events[id]}, nil
	}
	var (
		best  discovery.DuplicateMatch
		found bool
	)
	for _, evt := range s.sorted() {
		tier, ok := probe.Match(evt)
		if !ok {
			continue
		}
		if !found || tierRank(tier) < tierRank(best.Tier) {
			best = discovery.DuplicateMatch{Tier: tier, Event: evt}
			found = true
		}
	}
	if !found {
		return discovery.DuplicateMatch{}, discovery.ErrNotFound
	}
	return best, nil
}

// SearchEvents filters events and orders them by quality desc, date asc.
func (s *EventStore) SearchEvents(_ context.Context, q discovery.SearchQuery) ([]discovery.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.Event
	for _, evt := range s.events {
		if q.Matches(evt) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		if !out[i].EventDate.Equal(out[j].EventDate) {
			return out[i].EventDate.Before(out[j].EventDate)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListJobEventsAfter returns a job's events with id > afterID in id order.
func (s *EventStore) ListJobEventsAfter(_ context.Context, jobID string, afterID int64, limit int) ([]discovery.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.Event
	for _, evt := range s.sorted() {
		if evt.JobID != jobID || evt.ID <= afterID {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListJobEvents returns every event a job persisted.
func (s *EventStore) ListJobEvents(ctx context.Context, jobID string) ([]discovery.Event, error) {
	return s.ListJobEventsAfter(ctx, jobID, 0, 0)
}

// DeleteEventsBefore removes events dated before cutoff.
func (s *EventStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, evt := range s.events {
		if !evt.EventDate.Before(cutoff) {
			continue
		}
		delete(s.events, id)
		delete(s.categories, id)
		delete(s.bySource, sourceKey(evt.SourcePlatform, evt.SourceID))
		n++
	}
	return n, nil
}

// Ping implements discovery.EventStore.
func (s *EventStore) Ping(context.Context) error { return nil }

// Categories returns the category rows stored for an event.
func (s *EventStore) Categories(eventID int64) []discovery.EventCategory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.categories[eventID])
}

// Len reports the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// sorted returns events in id order. Callers hold the lock.
func (s *EventStore) sorted() []discovery.Event {
	out := make([]discovery.Event, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func withEventID(cats []discovery.EventCategory, id int64) []discovery.EventCategory {
	out := make([]discovery.EventCategory, len(cats))
	for i, c := range cats {
		c.EventID = id
		out[i] = c
	}
	return out
}

func tierRank(t discovery.DedupTier) int {
	switch t {
	case discovery.TierSourceID:
		return 0
	case discovery.TierFuzzy:
		return 1
	default:
		return 2
	}
}
