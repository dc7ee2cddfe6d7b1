package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/techevents-crawler/internal/clock"
	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

var now = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, clock.NewManual(now))
	require.NoError(t, err)
	return store, mock
}

func sampleEvent() discovery.Event {
	return discovery.Event{
		Title:             "Go Meetup",
		Description:       "Monthly gophers night",
		EventType:         discovery.EventTypeMeetup,
		EventDate:         now.Add(48 * time.Hour),
		City:              "Seattle",
		TechStack:         []string{"go"},
		QualityScore:      70,
		CompletenessScore: 80,
		ExternalURL:       "https://lu.ma/go-meetup",
		SourcePlatform:    discovery.PlatformLuma,
		SourceID:          "evt-1",
		JobID:             "job-1",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func eventRow(evt discovery.Event) []any {
	return append([]any{evt.ID}, eventValues(evt)...)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, nil)
	require.ErrorContains(t, err, "dsn")
}

func TestCreateEventInsertsCategories(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	evt := sampleEvent()
	cats := discovery.CategoriesFor(evt)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO events").
		WithArgs(eventValues(evt)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO event_categories").
		WithArgs(categoryArgs(7, cats)...).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(len(cats))))
	mock.ExpectCommit()

	id, err := store.CreateEvent(context.Background(), evt, cats)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEventMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	evt := sampleEvent()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO events").
		WithArgs(eventValues(evt)...).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "events_source_identity"})
	mock.ExpectRollback()

	_, err := store.CreateEvent(context.Background(), evt, nil)
	require.ErrorIs(t, err, discovery.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEventMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	evt := sampleEvent()
	evt.ID = 99

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE events SET").
		WithArgs(eventRow(evt)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.UpdateEvent(context.Background(), evt, nil)
	require.ErrorIs(t, err, discovery.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEventReplacesCategories(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	evt := sampleEvent()
	evt.ID = 3
	cats := discovery.CategoriesFor(evt)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE events SET").
		WithArgs(eventRow(evt)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM event_categories").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO event_categories").
		WithArgs(categoryArgs(3, cats)...).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(len(cats))))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateEvent(context.Background(), evt, cats))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDuplicateReturnsTier(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	existing := sampleEvent()
	existing.ID = 5
	probe := discovery.NewDuplicateProbe(sampleEvent(), 2*time.Hour)

	cols := append(append([]string{}, eventColumns...), "tier")
	mock.ExpectQuery("WITH candidates AS").
		WithArgs(probe.Platform, probe.SourceID, probe.Title, probe.City,
			probe.EventDate.Add(-2*time.Hour), probe.EventDate.Add(2*time.Hour), probe.URL).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(append(eventRow(existing), 1)...))

	match, err := store.FindDuplicate(context.Background(), probe)
	require.NoError(t, err)
	require.Equal(t, discovery.TierFuzzy, match.Tier)
	require.Equal(t, int64(5), match.Event.ID)
	require.Equal(t, discovery.EventTypeMeetup, match.Event.EventType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDuplicateNoMatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("WITH candidates AS").WillReturnError(pgx.ErrNoRows)

	_, err := store.FindDuplicate(context.Background(), discovery.NewDuplicateProbe(sampleEvent(), time.Hour))
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestSearchEventsBuildsFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	free := true
	q := discovery.SearchQuery{
		Text:      "go",
		City:      "Seattle",
		IsFree:    &free,
		Platforms: []string{discovery.PlatformLuma},
		From:      now,
		Limit:     10,
	}
	evt := sampleEvent()
	evt.ID = 1

	mock.ExpectQuery(`WHERE event_date >= \$1 AND \(title ILIKE`).
		WithArgs(now, "go", "Seattle", true, []string{discovery.PlatformLuma}, 10).
		WillReturnRows(pgxmock.NewRows(eventColumns).AddRow(eventRow(evt)...))

	events, err := store.SearchEvents(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Go Meetup", events[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobEventsAfter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	evt := sampleEvent()
	evt.ID = 12

	mock.ExpectQuery("WHERE job_id = \\$1 AND id > \\$2").
		WithArgs("job-1", int64(10), 0).
		WillReturnRows(pgxmock.NewRows(eventColumns).AddRow(eventRow(evt)...))

	events, err := store.ListJobEventsAfter(context.Background(), "job-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(12), events[0].ID)
}

func TestDeleteEventsBefore(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM events").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := store.DeleteEventsBefore(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.ErrorContains(t, store.Ping(context.Background()), "down")
}
