// Package scrape turns a (platform, query, city) request into raw event
// records. Each platform has a preferred backend and a fallback; the Adapter
// applies the fallback policy and never surfaces backend errors.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/metrics"
)

// BackendNone is reported when no backend produced records.
const BackendNone = "none"

// ErrBlocked marks responses that look like a bot challenge.
var ErrBlocked = errors.New("crawl blocked by upstream")

// Request describes one platform crawl.
type Request struct {
	Platform string
	Query    string
	City     string
	MaxItems int
}

// Backend fetches raw records for a request.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]discovery.RawRecord, error)
}

// StreamingBackend yields records as they are decoded. yield returning false
// stops the stream without error. The returned count is the number of
// records handed to yield.
type StreamingBackend interface {
	Backend
	Stream(ctx context.Context, req Request, yield func(discovery.RawRecord) bool) (int, error)
}

// Route pairs the backends for one platform. Either may be nil.
type Route struct {
	Preferred Backend
	Fallback  Backend
}

// Adapter dispatches crawl requests to per-platform routes.
type Adapter struct {
	routes map[string]Route
	logger *zap.Logger
}

// NewAdapter builds an Adapter over routes keyed by platform name.
func NewAdapter(routes map[string]Route, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[string]Route, len(routes))
	for platform, route := range routes {
		copied[platform] = route
	}
	return &Adapter{routes: copied, logger: logger.Named("scrape")}
}

// Crawl fetches records for platform. It tries the preferred backend and
// falls back when it errors or returns nothing. When both fail the result is
// empty and the backend is BackendNone.
func (a *Adapter) Crawl(ctx context.Context, platform, query, city string, maxItems int) ([]discovery.RawRecord, string) {
	req := Request{Platform: platform, Query: query, City: city, MaxItems: maxItems}
	for _, backend := range a.backends(platform) {
		records, err := a.fetch(ctx, backend, req)
		if err != nil {
			a.logger.Warn("crawl backend failed",
				zap.String("platform", platform),
				zap.String("backend", backend.Name()),
				zap.Error(err),
			)
			metrics.ObserveCrawl(platform, backend.Name(), "error", 0)
			continue
		}
		if len(records) == 0 {
			metrics.ObserveCrawl(platform, backend.Name(), "empty", 0)
			continue
		}
		if maxItems > 0 && len(records) > maxItems {
			records = records[:maxItems]
		}
		metrics.ObserveCrawl(platform, backend.Name(), "ok", len(records))
		return records, backend.Name()
	}
	return nil, BackendNone
}

// Stream is the incremental form of Crawl. The fallback only runs when the
// preferred backend yielded nothing, so callers never see a record twice.
func (a *Adapter) Stream(
	ctx context.Context,
	platform, query, city string,
	maxItems int,
	yield func(discovery.RawRecord) bool,
) (int, string) {
	req := Request{Platform: platform, Query: query, City: city, MaxItems: maxItems}
	for _, backend := range a.backends(platform) {
		count, err := a.stream(ctx, backend, req, yield)
		switch {
		case count > 0:
			if err != nil {
				a.logger.Warn("crawl stream ended early",
					zap.String("platform", platform),
					zap.String("backend", backend.Name()),
					zap.Int("records", count),
					zap.Error(err),
				)
			}
			metrics.ObserveCrawl(platform, backend.Name(), "ok", count)
			return count, backend.Name()
		case err != nil:
			a.logger.Warn("crawl backend failed",
				zap.String("platform", platform),
				zap.String("backend", backend.Name()),
				zap.Error(err),
			)
			metrics.ObserveCrawl(platform, backend.Name(), "error", 0)
		default:
			metrics.ObserveCrawl(platform, backend.Name(), "empty", 0)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return 0, BackendNone
}

func (a *Adapter) backends(platform string) []Backend {
	route, ok := a.routes[platform]
	if !ok {
		a.logger.Warn("no crawl route for platform", zap.String("platform", platform))
		return nil
	}
	out := make([]Backend, 0, 2)
	if route.Preferred != nil {
		out = append(out, route.Preferred)
	}
	if route.Fallback != nil {
		out = append(out, route.Fallback)
	}
	return out
}

// fetch shields the adapter from backend panics.
func (a *Adapter) fetch(ctx context.Context, backend Backend, req Request) (records []discovery.RawRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend %s panicked: %v", backend.Name(), r)
		}
	}()
	start := time.Now()
	records, err = backend.Fetch(ctx, req)
	a.logger.Debug("crawl backend finished",
		zap.String("platform", req.Platform),
		zap.String("backend", backend.Name()),
		zap.Int("records", len(records)),
		zap.Duration("dur", time.Since(start)),
	)
	return records, err
}

func (a *Adapter) stream(
	ctx context.Context,
	backend Backend,
	req Request,
	yield func(discovery.RawRecord) bool,
) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend %s panicked: %v", backend.Name(), r)
		}
	}()
	limited := func(rec discovery.RawRecord) bool {
		if req.MaxItems > 0 && count >= req.MaxItems {
			return false
		}
		count++
		return yield(rec)
	}
	if sb, ok := backend.(StreamingBackend); ok {
		_, err = sb.Stream(ctx, req, limited)
		return count, err
	}
	records, err := a.fetch(ctx, backend, req)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if !limited(rec) {
			break
		}
	}
	return count, nil
}
