// Package eventbrite is the direct fallback backend for Eventbrite. Search
// pages embed schema.org JSON-LD which is read without a browser.
package eventbrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/web"
)

// BackendName is reported as backendUsed.
const BackendName = "direct"

const defaultBaseURL = "https://www.eventbrite.com"

// Getter fetches a page.
type Getter interface {
	Get(ctx context.Context, url string, headers http.Header) (web.Page, error)
}

// Backend scrapes Eventbrite search listings.
type Backend struct {
	getter  Getter
	baseURL string
}

// New builds a Backend. baseURL defaults to https://www.eventbrite.com.
func New(getter Getter, baseURL string) *Backend {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{getter: getter, baseURL: strings.TrimRight(baseURL, "/")}
}

// Name implements scrape.Backend.
func (b *Backend) Name() string { return BackendName }

// Fetch implements scrape.Backend.
func (b *Backend) Fetch(ctx context.Context, req scrape.Request) ([]discovery.RawRecord, error) {
	page, err := b.getter.Get(ctx, b.searchURL(req), http.Header{"Accept-Language": {"en-US,en;q=0.9"}})
	if err != nil {
		return nil, fmt.Errorf("get eventbrite search: %w", err)
	}
	records, err := Parse(page.Body)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 && scrape.NeedsRender(page.StatusCode, page.Body) {
		return nil, errors.New("eventbrite search page requires rendering")
	}
	if req.MaxItems > 0 && len(records) > req.MaxItems {
		records = records[:req.MaxItems]
	}
	return records, nil
}

// searchURL builds /d/<location>/<query>/. Without a city the online
// listing is searched.
func (b *Backend) searchURL(req scrape.Request) string {
	location := "online"
	if c := slug(req.City); c != "" {
		location = c
	}
	query := slug(req.Query)
	if query == "" {
		query = "tech"
	}
	return fmt.Sprintf("%s/d/%s/%s/", b.baseURL, url.PathEscape(location), url.PathEscape(query))
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-"), "-")
}

type itemList struct {
	Type  any `json:"@type"`
	Items []struct {
		Item ldEvent `json:"item"`
	} `json:"itemListElement"`
}

type ldEvent struct {
	Type           any    `json:"@type"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate"`
	URL            string `json:"url"`
	Image          any    `json:"image"`
	AttendanceMode string `json:"eventAttendanceMode"`
	Location       struct {
		Type    any    `json:"@type"`
		Name    string `json:"name"`
		Address struct {
			Street   string `json:"streetAddress"`
			Locality string `json:"addressLocality"`
			Country  string `json:"addressCountry"`
		} `json:"address"`
	} `json:"location"`
	Organizer struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"organizer"`
	Offers json.RawMessage `json:"offers"`
}

type offer struct {
	Price     json.Number `json:"price"`
	LowPrice  json.Number `json:"lowPrice"`
	HighPrice json.Number `json:"highPrice"`
	Currency  string      `json:"priceCurrency"`
}

// Parse reads ItemList JSON-LD blocks from a search page.
func Parse(body []byte) ([]discovery.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse eventbrite html: %w", err)
	}
	var out []discovery.RawRecord
	seen := map[string]struct{}{}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var list itemList
		if json.Unmarshal([]byte(s.Text()), &list) != nil || !typeIs(list.Type, "ItemList") {
			return
		}
		for _, el := range list.Items {
			rec, ok := toRecord(el.Item)
			if !ok {
				continue
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	})
	return out, nil
}

var eventIDPattern = regexp.MustCompile(`(\d{6,})/?$`)

func toRecord(ev ldEvent) (discovery.EventbriteRecord, bool) {
	start, err := parseDate(ev.StartDate)
	if err != nil || strings.TrimSpace(ev.Name) == "" {
		return discovery.EventbriteRecord{}, false
	}
	u, err := url.Parse(strings.TrimSpace(ev.URL))
	if err != nil || u.Host == "" {
		return discovery.EventbriteRecord{}, false
	}
	m := eventIDPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return discovery.EventbriteRecord{}, false
	}
	rec := discovery.EventbriteRecord{
		ID:            m[1],
		Name:          ev.Name,
		Description:   ev.Description,
		StartUTC:      start,
		URL:           ev.URL,
		LogoURL:       imageURL(ev.Image),
		VenueName:     ev.Location.Name,
		VenueAddress:  ev.Location.Address.Street,
		City:          ev.Location.Address.Locality,
		Country:       ev.Location.Address.Country,
		OnlineEvent:   strings.HasSuffix(ev.AttendanceMode, "OnlineEventAttendanceMode") || typeIs(ev.Location.Type, "VirtualLocation"),
		OrganizerName: ev.Organizer.Name,
		OrganizerURL:  ev.Organizer.URL,
	}
	if end, err := parseDate(ev.EndDate); err == nil {
		rec.EndUTC = &end
	}
	applyOffers(&rec, ev.Offers)
	return rec, true
}

func applyOffers(rec *discovery.EventbriteRecord, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var offers []offer
	if raw[0] == '[' {
		if json.Unmarshal(raw, &offers) != nil {
			return
		}
	} else {
		var single offer
		if json.Unmarshal(raw, &single) != nil {
			return
		}
		offers = []offer{single}
	}
	var low, high *float64
	for _, o := range offers {
		for _, n := range []json.Number{o.Price, o.LowPrice, o.HighPrice} {
			v, err := strconv.ParseFloat(string(n), 64)
			if n == "" || err != nil || v < 0 {
				continue
			}
			if low == nil || v < *low {
				vv := v
				low = &vv
			}
			if high == nil || v > *high {
				vv := v
				high = &vv
			}
		}
		if rec.Currency == "" {
			rec.Currency = o.Currency
		}
	}
	rec.MinPrice, rec.MaxPrice = low, high
	rec.IsFree = high != nil && *high == 0
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func typeIs(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			return imageURL(t[0])
		}
	case map[string]any:
		if s, ok := t["url"].(string); ok {
			return s
		}
	}
	return ""
}
