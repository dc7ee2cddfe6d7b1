package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

func sampleEvent(sourceID, title string, date time.Time, quality int) discovery.Event {
	return discovery.Event{
		Title:          title,
		City:           "Seattle",
		EventDate:      date,
		SourcePlatform: discovery.PlatformLuma,
		SourceID:       sourceID,
		ExternalURL:    "https://lu.ma/" + sourceID,
		QualityScore:   quality,
		TechStack:      []string{"react"},
		EventType:      discovery.EventTypeMeetup,
		JobID:          "job-1",
	}
}

func TestEventStoreCreateAndConflict(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 18, 0, 0, 0, time.UTC)
	evt := sampleEvent("evt-1", "React Seattle", base, 50)

	id, err := store.CreateEvent(ctx, evt, discovery.CategoriesFor(evt))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Len(t, store.Categories(id), 2)
	require.Equal(t, id, store.Categories(id)[0].EventID)

	_, err = store.CreateEvent(ctx, sampleEvent("evt-1?ref=x", "Other", base, 10), nil)
	require.ErrorIs(t, err, discovery.ErrConflict)
}

func TestEventStoreFindDuplicatePrefersBestTier(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 18, 0, 0, 0, time.UTC)

	urlTwin := sampleEvent("evt-9", "Something else", base.Add(72*time.Hour), 10)
	urlTwin.ExternalURL = "https://lu.ma/react-night?utm=feed"
	_, err := store.CreateEvent(ctx, urlTwin, nil)
	require.NoError(t, err)
	fuzzyTwin := sampleEvent("evt-10", "React Night", base, 10)
	_, err = store.CreateEvent(ctx, fuzzyTwin, nil)
	require.NoError(t, err)

	probeEvt := sampleEvent("evt-11", "react night", base.Add(time.Hour), 0)
	probeEvt.ExternalURL = "https://lu.ma/react-night"
	match, err := store.FindDuplicate(ctx, discovery.NewDuplicateProbe(probeEvt, 2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, discovery.TierFuzzy, match.Tier)
	require.Equal(t, "evt-10", match.Event.SourceID)

	probeEvt.EventDate = base.Add(5 * time.Hour)
	match, err = store.FindDuplicate(ctx, discovery.NewDuplicateProbe(probeEvt, 2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, discovery.TierURLPrefix, match.Tier)

	match, err = store.FindDuplicate(ctx, discovery.NewDuplicateProbe(sampleEvent("evt-10#x", "", time.Time{}, 0), 2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, discovery.TierSourceID, match.Tier)

	_, err = store.FindDuplicate(ctx, discovery.NewDuplicateProbe(sampleEvent("evt-99", "Unrelated", base, 0), 2*time.Hour))
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestEventStoreSearchOrdering(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 18, 0, 0, 0, time.UTC)
	for _, evt := range []discovery.Event{
		sampleEvent("a", "React A", base.Add(48*time.Hour), 60),
		sampleEvent("b", "React B", base.Add(24*time.Hour), 90),
		sampleEvent("c", "React C", base.Add(12*time.Hour), 60),
		sampleEvent("d", "Past React", base.Add(-time.Hour), 99),
	} {
		_, err := store.CreateEvent(ctx, evt, nil)
		require.NoError(t, err)
	}

	got, err := store.SearchEvents(ctx, discovery.SearchQuery{Text: "react", City: "seattle", From: base, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"b", "c", "a"}, []string{got[0].SourceID, got[1].SourceID, got[2].SourceID})

	got, err = store.SearchEvents(ctx, discovery.SearchQuery{Text: "react", From: base, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEventStoreJobCursorUpdateAndSweep(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 18, 0, 0, 0, time.UTC)
	for i, src := range []string{"a", "b", "c"} {
		evt := sampleEvent(src, "Event "+src, base.Add(time.Duration(i)*time.Hour), 10)
		if src == "b" {
			evt.JobID = "job-2"
		}
		_, err := store.CreateEvent(ctx, evt, nil)
		require.NoError(t, err)
	}

	page, err := store.ListJobEventsAfter(ctx, "job-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, int64(3), page[0].ID)

	all, err := store.ListJobEvents(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	updated := all[0]
	updated.Title = "Event a (refreshed)"
	require.NoError(t, store.UpdateEvent(ctx, updated, []discovery.EventCategory{{Category: "tech", Value: "go"}}))
	require.Len(t, store.Categories(updated.ID), 1)
	require.ErrorIs(t, store.UpdateEvent(ctx, discovery.Event{ID: 99}, nil), discovery.ErrNotFound)

	n, err := store.DeleteEventsBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, 1, store.Len())
	require.NoError(t, store.Ping(ctx))
}
