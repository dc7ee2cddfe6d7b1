package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// eventColumns lists every events column in scan order.
var eventColumns = []string{
	"id", "title", "description", "event_type", "event_date", "event_end_date",
	"city", "country", "venue_name", "venue_address", "is_online", "is_free",
	"price_min", "price_max", "currency", "organizer_name", "organizer_url",
	"tech_stack", "quality_score", "completeness_score", "external_url", "image_url",
	"source_platform", "source_id", "job_id", "created_at", "updated_at",
}

var selectEvents = "SELECT " + strings.Join(eventColumns, ", ") + " FROM events"

// eventValues returns the writable columns (all but id) in column order.
func eventValues(evt discovery.Event) []any {
	tags := evt.TechStack
	if tags == nil {
		tags = []string{}
	}
	return []any{
		evt.Title, evt.Description, string(evt.EventType), evt.EventDate, evt.EventEndDate,
		evt.City, evt.Country, evt.VenueName, evt.VenueAddress, evt.IsOnline, evt.IsFree,
		evt.PriceMin, evt.PriceMax, evt.Currency, evt.OrganizerName, evt.OrganizerURL,
		tags, evt.QualityScore, evt.CompletenessScore, evt.ExternalURL, evt.ImageURL,
		evt.SourcePlatform, evt.SourceID, evt.JobID, evt.CreatedAt, evt.UpdatedAt,
	}
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ",")
}

var insertEvent = fmt.Sprintf(
	"INSERT INTO events (%s) VALUES (%s) RETURNING id",
	strings.Join(eventColumns[1:], ", "), placeholders(1, len(eventColumns)-1),
)

var updateEvent = func() string {
	sets := make([]string, 0, len(eventColumns)-1)
	for i, col := range eventColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	return "UPDATE events SET " + strings.Join(sets, ", ") + " WHERE id = $1"
}()

const insertCategories = `
INSERT INTO event_categories (event_id, category, value, confidence)
SELECT $1, c.category, c.value, c.confidence
FROM unnest($2::text[], $3::text[], $4::float8[]) AS c(category, value, confidence)`

func categoryArgs(id int64, cats []discovery.EventCategory) []any {
	kinds := make([]string, len(cats))
	values := make([]string, len(cats))
	confidence := make([]float64, len(cats))
	for i, c := range cats {
		kinds[i], values[i], confidence[i] = c.Category, c.Value, c.Confidence
	}
	return []any{id, kinds, values, confidence}
}

// CreateEvent inserts the event and its categories in one transaction.
func (s *Store) CreateEvent(ctx context.Context, evt discovery.Event, cats []discovery.EventCategory) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin create event: %w", err)
	}
	defer rollback(ctx, tx)

	var id int64
	if err := tx.QueryRow(ctx, insertEvent, eventValues(evt)...).Scan(&id); err != nil {
		return 0, classify("insert event", err)
	}
	if len(cats) > 0 {
		if _, err := tx.Exec(ctx, insertCategories, categoryArgs(id, cats)...); err != nil {
			return 0, classify("insert event categories", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit create event: %w", err)
	}
	return id, nil
}

// UpdateEvent rewrites the event row and recreates its categories.
func (s *Store) UpdateEvent(ctx context.Context, evt discovery.Event, cats []discovery.EventCategory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update event: %w", err)
	}
	defer rollback(ctx, tx)

	args := append([]any{evt.ID}, eventValues(evt)...)
	tag, err := tx.Exec(ctx, updateEvent, args...)
	if err != nil {
		return classify("update event", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update event %d: %w", evt.ID, discovery.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM event_categories WHERE event_id = $1", evt.ID); err != nil {
		return fmt.Errorf("delete event categories: %w", err)
	}
	if len(cats) > 0 {
		if _, err := tx.Exec(ctx, insertCategories, categoryArgs(evt.ID, cats)...); err != nil {
			return classify("insert event categories", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update event: %w", err)
	}
	return nil
}

// findDuplicate ranks the three tiers in SQL so only the best match returns.
var findDuplicate = `
WITH candidates AS (
	SELECT ` + strings.Join(eventColumns, ", ") + `,
		CASE
			WHEN $2 <> '' AND source_platform = $1 AND source_id = $2 THEN 0
			WHEN source_platform = $1
				AND lower(btrim(title)) = lower(btrim($3))
				AND lower(btrim(city)) = lower(btrim($4))
				AND event_date BETWEEN $5 AND $6 THEN 1
			ELSE 2
		END AS tier
	FROM events
	WHERE ($2 <> '' AND source_platform = $1 AND source_id = $2)
		OR (source_platform = $1
			AND lower(btrim(title)) = lower(btrim($3))
			AND lower(btrim(city)) = lower(btrim($4))
			AND event_date BETWEEN $5 AND $6)
		OR ($7 <> '' AND starts_with(external_url, $7))
)
SELECT ` + strings.Join(eventColumns, ", ") + `, tier FROM candidates ORDER BY tier, id LIMIT 1`

var tierNames = map[int]discovery.DedupTier{
	0: discovery.TierSourceID,
	1: discovery.TierFuzzy,
	2: discovery.TierURLPrefix,
}

// FindDuplicate returns the best-tier match for probe, or ErrNotFound.
func (s *Store) FindDuplicate(ctx context.Context, probe discovery.DuplicateProbe) (discovery.DuplicateMatch, error) {
	row := s.pool.QueryRow(ctx, findDuplicate,
		probe.Platform, probe.SourceID, probe.Title, probe.City,
		probe.EventDate.Add(-probe.Window), probe.EventDate.Add(probe.Window), probe.URL,
	)
	var tier int
	evt, err := scanEvent(row, &tier)
	if err != nil {
		return discovery.DuplicateMatch{}, classify("find duplicate", err)
	}
	return discovery.DuplicateMatch{Tier: tierNames[tier], Event: evt}, nil
}

// SearchEvents runs a filtered search ordered by quality desc, date asc.
func (s *Store) SearchEvents(ctx context.Context, q discovery.SearchQuery) ([]discovery.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if !q.From.IsZero() {
		add("event_date >= ?", q.From)
	}
	if !q.To.IsZero() {
		add("event_date <= ?", q.To)
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		add("(title ILIKE '%' || ? || '%' OR description ILIKE '%' || ? || '%' OR lower(?) = ANY(tech_stack))", text)
	}
	if q.City != "" {
		add("lower(city) = lower(?)", strings.TrimSpace(q.City))
	}
	if q.EventType != "" {
		add("event_type = ?", string(q.EventType))
	}
	if q.IsFree != nil {
		add("is_free = ?", *q.IsFree)
	}
	if len(q.Platforms) > 0 {
		add("source_platform = ANY(?)", q.Platforms)
	}
	sql := selectEvents
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY quality_score DESC, event_date ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEvents(ctx, "search events", sql, args...)
}

// ListJobEventsAfter returns a job's events with id > afterID in id order.
// A zero limit returns every remaining row.
func (s *Store) ListJobEventsAfter(ctx context.Context, jobID string, afterID int64, limit int) ([]discovery.Event, error) {
	sql := selectEvents + " WHERE job_id = $1 AND id > $2 ORDER BY id LIMIT NULLIF($3, 0)"
	return s.queryEvents(ctx, "list job events", sql, jobID, afterID, limit)
}

// ListJobEvents returns every event a job persisted.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]discovery.Event, error) {
	return s.ListJobEventsAfter(ctx, jobID, 0, 0)
}

// DeleteEventsBefore removes events dated before cutoff. Categories cascade.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM events WHERE event_date < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryEvents(ctx context.Context, op, sql string, args ...any) ([]discovery.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []discovery.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return out, nil
}

// scanEvent reads eventColumns plus any extra destinations.
func scanEvent(row pgx.Row, extra ...any) (discovery.Event, error) {
	var (
		evt       discovery.Event
		eventType string
	)
	dest := []any{
		&evt.ID, &evt.Title, &evt.Description, &eventType, &evt.EventDate, &evt.EventEndDate,
		&evt.City, &evt.Country, &evt.VenueName, &evt.VenueAddress, &evt.IsOnline, &evt.IsFree,
		&evt.PriceMin, &evt.PriceMax, &evt.Currency, &evt.OrganizerName, &evt.OrganizerURL,
		&evt.TechStack, &evt.QualityScore, &evt.CompletenessScore, &evt.ExternalURL, &evt.ImageURL,
		&evt.SourcePlatform, &evt.SourceID, &evt.JobID, &evt.CreatedAt, &evt.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return discovery.Event{}, err
	}
	evt.EventType = discovery.EventType(eventType)
	return evt, nil
}
