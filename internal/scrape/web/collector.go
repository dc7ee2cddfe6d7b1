// Package web holds the HTTP and headless-browser plumbing shared by the
// direct crawl backends and the detail backfill fetcher.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/techevents-crawler/internal/scrape"
)

// Waiter throttles requests per domain.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Collector performs polite single-page GETs with colly.
type Collector struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewCollector builds a Collector. limiter may be nil.
func NewCollector(cfg Config, limiter Waiter) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Collector{cfg: cfg, limiter: limiter, baseCollector: c}
}

// Get fetches url. Challenge pages come back as scrape.ErrBlocked and other
// non-2xx statuses as errors.
func (c *Collector) Get(ctx context.Context, url string, headers http.Header) (Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return Page{}, fmt.Errorf("collector wait: %w", err)
		}
	}
	var (
		page     Page
		fetchErr error
	)
	collector := c.buildCollector()
	// Requests carry ctx so cancellation aborts the transfer itself.
	collector.Context = ctx
	c.configureCollectorHooks(collector, headers, time.Now(), &page, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return Page{}, err
	}
	if scrape.LooksBlocked(page.StatusCode, page.Body) {
		return page, fmt.Errorf("get %s: status %d: %w", url, page.StatusCode, scrape.ErrBlocked)
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return page, fmt.Errorf("get %s: unexpected status %d", url, page.StatusCode)
	}
	return page, nil
}

func (c *Collector) buildCollector() *colly.Collector {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	return collector
}

func (c *Collector) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	page *Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var respHeaders http.Header
		if r.Headers != nil {
			respHeaders = r.Headers.Clone()
		}
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    respHeaders,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
