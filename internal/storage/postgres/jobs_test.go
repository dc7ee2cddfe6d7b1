package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

func sampleJob() discovery.ScrapingJob {
	return discovery.ScrapingJob{
		ID:               "job-1",
		Platform:         discovery.PlatformMulti,
		Status:           discovery.JobStatusPending,
		Query:            "golang",
		City:             "Seattle",
		Platforms:        []string{discovery.PlatformLuma, discovery.PlatformEventbrite},
		MaxItems:         50,
		PlatformStatuses: discovery.InitialStatuses([]string{discovery.PlatformLuma}),
		CreatedAt:        now,
	}
}

func jobRow(job discovery.ScrapingJob) []any {
	statuses, _ := encodeStatuses(job.PlatformStatuses)
	return []any{
		job.ID, job.Platform, string(job.Status), job.Query, job.City, job.Platforms, job.MaxItems,
		statuses, job.StartedAt, job.CompletedAt, job.EventsScraped,
		job.ErrorMessage, job.Attempts, job.CreatedAt,
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()
	mock.ExpectExec("INSERT INTO scraping_jobs").
		WithArgs(jobRow(job)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobDecodesStatuses(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()
	mock.ExpectQuery("FROM scraping_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow(job)...))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, discovery.JobStatusPending, got.Status)
	require.Len(t, got.PlatformStatuses, 1)
	require.Equal(t, discovery.PlatformPending, got.PlatformStatuses[0].Status)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM scraping_jobs WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestTransitionJobApplied(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE scraping_jobs SET").
		WithArgs("job-1", "running", now, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.TransitionJob(context.Background(), "job-1", discovery.JobStatusRunning, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobRejected(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()
	job.Status = discovery.JobStatusCompleted
	mock.ExpectExec("UPDATE scraping_jobs SET").
		WithArgs("job-1", "running", now, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM scraping_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow(job)...))

	err := store.TransitionJob(context.Background(), "job-1", discovery.JobStatusRunning, "")
	require.ErrorIs(t, err, discovery.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE scraping_jobs SET").
		WithArgs("ghost", "failed", now, "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM scraping_jobs WHERE id").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	err := store.TransitionJob(context.Background(), "ghost", discovery.JobStatusFailed, "boom")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestTransitionToPendingIsInvalid(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	err := store.TransitionJob(context.Background(), "job-1", discovery.JobStatusPending, "")
	require.ErrorIs(t, err, discovery.ErrInvalidTransition)
}

func TestUpdateJobProgress(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	statuses := []discovery.PlatformStatus{{Platform: discovery.PlatformLuma, Status: discovery.PlatformCompleted, EventsFound: 3}}
	encoded, err := encodeStatuses(statuses)
	require.NoError(t, err)
	mock.ExpectExec("UPDATE scraping_jobs SET events_scraped").
		WithArgs("job-1", 3, encoded).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateJobProgress(context.Background(), "job-1", 3, statuses))
	require.NoError(t, mock.ExpectationsWereMet())
}
