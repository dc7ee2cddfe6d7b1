// Package luma is the headless fallback backend for lu.ma. The discover
// page is client rendered; event data is read from the Next.js bootstrap
// payload after the page settles.
package luma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/web"
)

// BackendName is reported as backendUsed.
const BackendName = "headless"

const (
	defaultBaseURL = "https://lu.ma"
	maxWalkDepth   = 24
)

// Renderer returns a rendered page.
type Renderer interface {
	Render(ctx context.Context, url string) (web.Page, error)
}

// Backend scrapes lu.ma search results with a headless browser.
type Backend struct {
	renderer Renderer
	baseURL  string
}

// New builds a Backend. baseURL defaults to https://lu.ma.
func New(renderer Renderer, baseURL string) *Backend {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{renderer: renderer, baseURL: strings.TrimRight(baseURL, "/")}
}

// Name implements scrape.Backend.
func (b *Backend) Name() string { return BackendName }

// Fetch implements scrape.Backend.
func (b *Backend) Fetch(ctx context.Context, req scrape.Request) ([]discovery.RawRecord, error) {
	page, err := b.renderer.Render(ctx, b.searchURL(req))
	if err != nil {
		return nil, fmt.Errorf("render luma search: %w", err)
	}
	records, err := Parse(page.Body)
	if err != nil {
		return nil, err
	}
	if req.MaxItems > 0 && len(records) > req.MaxItems {
		records = records[:req.MaxItems]
	}
	return records, nil
}

func (b *Backend) searchURL(req scrape.Request) string {
	q := url.Values{}
	q.Set("q", strings.TrimSpace(req.Query))
	if req.City != "" {
		q.Set("city", strings.TrimSpace(req.City))
	}
	return b.baseURL + "/discover?" + q.Encode()
}

// Parse extracts events from the __NEXT_DATA__ payload of a rendered page.
func Parse(body []byte) ([]discovery.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse luma html: %w", err)
	}
	payload := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if payload == "" {
		return nil, errors.New("luma page has no __NEXT_DATA__ payload")
	}
	var root any
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return nil, fmt.Errorf("decode __NEXT_DATA__: %w", err)
	}

	var (
		out  []discovery.RawRecord
		seen = map[string]struct{}{}
	)
	walk(root, 0, func(node map[string]any) {
		rec, ok := toRecord(node)
		if !ok {
			return
		}
		if _, dup := seen[rec.APIID]; dup {
			return
		}
		seen[rec.APIID] = struct{}{}
		out = append(out, rec)
	})
	return out, nil
}

// walk visits every object that looks like an event entry. Object keys are
// visited in sorted order so the record order is stable.
func walk(node any, depth int, visit func(map[string]any)) {
	if depth > maxWalkDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if looksLikeEntry(v) {
			visit(v)
			return
		}
		for _, key := range slices.Sorted(maps.Keys(v)) {
			walk(v[key], depth+1, visit)
		}
	case []any:
		for _, child := range v {
			walk(child, depth+1, visit)
		}
	}
}

func looksLikeEntry(m map[string]any) bool {
	if ev, ok := m["event"].(map[string]any); ok {
		m = ev
	}
	_, hasID := m["api_id"].(string)
	_, hasStart := m["start_at"].(string)
	return hasID && hasStart
}

type entry struct {
	Event eventJSON `json:"event"`
	Hosts []struct {
		Name string `json:"name"`
	} `json:"hosts"`
	TicketInfo struct {
		IsFree bool `json:"is_free"`
		Price  *struct {
			Cents    int    `json:"cents"`
			Currency string `json:"currency"`
		} `json:"price"`
	} `json:"ticket_info"`
}

type eventJSON struct {
	APIID        string     `json:"api_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        *time.Time `json:"end_at"`
	URL          string     `json:"url"`
	CoverURL     string     `json:"cover_url"`
	LocationType string     `json:"location_type"`
	GeoAddress   struct {
		City        string `json:"city"`
		Country     string `json:"country"`
		FullAddress string `json:"full_address"`
		PlaceName   string `json:"place_name"`
	} `json:"geo_address_info"`
}

func toRecord(node map[string]any) (discovery.LumaRecord, bool) {
	raw, err := json.Marshal(node)
	if err != nil {
		return discovery.LumaRecord{}, false
	}
	var e entry
	if _, nested := node["event"]; nested {
		err = json.Unmarshal(raw, &e)
	} else {
		err = json.Unmarshal(raw, &e.Event)
	}
	if err != nil || e.Event.APIID == "" || strings.TrimSpace(e.Event.Name) == "" {
		return discovery.LumaRecord{}, false
	}
	ev := e.Event
	rec := discovery.LumaRecord{
		APIID:        ev.APIID,
		Name:         ev.Name,
		Description:  ev.Description,
		StartAt:      ev.StartAt,
		EndAt:        ev.EndAt,
		URL:          eventURL(ev.URL),
		CoverURL:     ev.CoverURL,
		City:         ev.GeoAddress.City,
		Country:      ev.GeoAddress.Country,
		VenueName:    ev.GeoAddress.PlaceName,
		VenueAddress: ev.GeoAddress.FullAddress,
		IsOnline:     ev.LocationType == "online",
		IsFree:       e.TicketInfo.IsFree,
	}
	for _, h := range e.Hosts {
		if name := strings.TrimSpace(h.Name); name != "" {
			rec.Hosts = append(rec.Hosts, name)
		}
	}
	if p := e.TicketInfo.Price; p != nil {
		cents := p.Cents
		rec.PriceCents = &cents
		rec.Currency = p.Currency
	}
	return rec, true
}

func eventURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http") {
		return u
	}
	return defaultBaseURL + "/" + strings.TrimPrefix(u, "/")
}
