// Package pipeline turns raw crawl records into canonical events: it
// backfills thin descriptions, tags, classifies, scores, validates, dedups
// against the store and persists.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/progress"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/web"
)

// Reject reasons reported in Result.Reason.
const (
	ReasonCompleteness = "completeness"
	ReasonValidation   = "validation"
	ReasonOldDate      = "old-date"
	ReasonDuplicate    = "duplicate"
	ReasonDBError      = "db-error"
)

// Config tunes the pipeline.
type Config struct {
	CompletenessThreshold int
	PastGrace             time.Duration
	FuzzyWindow           time.Duration
	BackfillBelow         int
	BackfillTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompletenessThreshold <= 0 {
		c.CompletenessThreshold = 50
	}
	if c.PastGrace <= 0 {
		c.PastGrace = 24 * time.Hour
	}
	if c.FuzzyWindow <= 0 {
		c.FuzzyWindow = 2 * time.Hour
	}
	if c.BackfillBelow <= 0 {
		c.BackfillBelow = 100
	}
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = 10 * time.Second
	}
	return c
}

// DetailFetcher recovers a fuller description from an event page.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (web.Detail, error)
}

// Result is the outcome of processing one record.
type Result struct {
	Saved     bool
	Reason    string
	EventID   int64
	Updated   bool
	DedupTier discovery.DedupTier
}

// Pipeline processes raw records. It is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	store    discovery.EventStore
	details  DetailFetcher
	clock    discovery.Clock
	emitter  progress.Emitter
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a Pipeline. details and emitter may be nil.
func New(
	cfg Config,
	store discovery.EventStore,
	details DetailFetcher,
	clock discovery.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Pipeline {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		store:    store,
		details:  details,
		clock:    clock,
		emitter:  emitter,
		validate: newValidator(),
		logger:   logger.Named("pipeline"),
	}
}

// Process normalizes raw and, when it passes every gate, persists it. city
// is the searched city used when the record has none. Process never returns
// an error: failures become reject reasons.
func (p *Pipeline) Process(ctx context.Context, raw discovery.RawRecord, city, jobID string) Result {
	evt := discovery.ToEvent(raw, city)
	evt.JobID = jobID
	res := p.process(ctx, evt)
	p.report(jobID, raw.Platform(), res)
	return res
}

func (p *Pipeline) process(ctx context.Context, evt discovery.Event) Result {
	now := p.clock.Now()
	log := p.logger.With(
		zap.String("job_id", evt.JobID),
		zap.String("platform", evt.SourcePlatform),
		zap.String("source_id", evt.SourceID),
	)

	p.backfill(ctx, &evt, log)

	text := evt.Title + "\n" + evt.Description
	evt.TechStack = ExtractTags(text)
	evt.EventType = Classify(text)
	evt.QualityScore = QualityScore(evt, now)
	evt.CompletenessScore = CompletenessScore(evt)

	if evt.CompletenessScore < p.cfg.CompletenessThreshold {
		log.Debug("record rejected", zap.String("reason", ReasonCompleteness), zap.Int("completeness", evt.CompletenessScore))
		return Result{Reason: ReasonCompleteness}
	}
	if err := validateEvent(p.validate, evt); err != nil {
		log.Debug("record rejected", zap.String("reason", ReasonValidation), zap.Error(err))
		return Result{Reason: ReasonValidation}
	}
	if evt.EventDate.Before(now.Add(-p.cfg.PastGrace)) {
		log.Debug("record rejected", zap.String("reason", ReasonOldDate), zap.Time("event_date", evt.EventDate))
		return Result{Reason: ReasonOldDate}
	}

	evt.ExternalURL = discovery.NormalizeURL(evt.ExternalURL)
	match, err := p.store.FindDuplicate(ctx, discovery.NewDuplicateProbe(evt, p.cfg.FuzzyWindow))
	switch {
	case err == nil:
		return p.onDuplicate(ctx, evt, match, now, log)
	case !errors.Is(err, discovery.ErrNotFound):
		log.Warn("duplicate lookup failed", zap.Error(err))
		return Result{Reason: ReasonDBError}
	}

	evt.CreatedAt, evt.UpdatedAt = now, now
	id, err := p.store.CreateEvent(ctx, evt, discovery.CategoriesFor(evt))
	if err != nil {
		log.Warn("persist event failed", zap.Error(err))
		return Result{Reason: ReasonDBError}
	}
	log.Debug("event saved", zap.Int64("event_id", id), zap.Int("quality", evt.QualityScore))
	return Result{Saved: true, EventID: id}
}

// onDuplicate refreshes the stored row when a source-id match carries
// strictly more complete data.
func (p *Pipeline) onDuplicate(
	ctx context.Context,
	evt discovery.Event,
	match discovery.DuplicateMatch,
	now time.Time,
	log *zap.Logger,
) Result {
	res := Result{Reason: ReasonDuplicate, DedupTier: match.Tier, EventID: match.Event.ID}
	switch match.Tier {
	case discovery.TierURLPrefix:
		log.Warn("url-prefix duplicate match",
			zap.String("url", evt.ExternalURL),
			zap.Int64("existing_id", match.Event.ID),
			zap.String("existing_url", match.Event.ExternalURL),
		)
	case discovery.TierSourceID:
		if evt.CompletenessScore <= match.Event.CompletenessScore {
			break
		}
		evt.ID = match.Event.ID
		evt.JobID = match.Event.JobID
		evt.CreatedAt = match.Event.CreatedAt
		evt.UpdatedAt = now
		if err := p.store.UpdateEvent(ctx, evt, discovery.CategoriesFor(evt)); err != nil {
			log.Warn("re-enrich event failed", zap.Int64("event_id", evt.ID), zap.Error(err))
			break
		}
		log.Debug("event re-enriched",
			zap.Int64("event_id", evt.ID),
			zap.Int("completeness", evt.CompletenessScore),
			zap.Int("previous", match.Event.CompletenessScore),
		)
		res.Updated = true
	}
	return res
}

func (p *Pipeline) backfill(ctx context.Context, evt *discovery.Event, log *zap.Logger) {
	if p.details == nil || evt.ExternalURL == "" || len(strings.TrimSpace(evt.Description)) >= p.cfg.BackfillBelow {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BackfillTimeout)
	defer cancel()
	detail, err := p.details.FetchDetail(ctx, evt.ExternalURL)
	if err != nil {
		log.Debug("detail backfill failed", zap.String("url", evt.ExternalURL), zap.Error(err))
		return
	}
	if len(detail.Description) > len(evt.Description) {
		evt.Description = detail.Description
	}
	if evt.OrganizerName == "" {
		evt.OrganizerName = detail.OrganizerName
	}
}

func (p *Pipeline) report(jobID, platform string, res Result) {
	evt := progress.Event{
		JobID:    jobID,
		TS:       p.clock.Now(),
		Platform: platform,
	}
	if res.Saved {
		evt.Stage = progress.StageRecordSaved
	} else {
		evt.Stage = progress.StageRecordRejected
		evt.Reason = res.Reason
		evt.Tier = string(res.DedupTier)
	}
	p.emitter.Emit(evt)
}
