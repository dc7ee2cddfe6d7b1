package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detail is what the backfill fetcher recovers from an event page.
type Detail struct {
	Description   string
	OrganizerName string
}

// DetailFetcher enriches short event records from their public page.
type DetailFetcher struct {
	collector *Collector
}

// NewDetailFetcher wraps a Collector.
func NewDetailFetcher(collector *Collector) *DetailFetcher {
	return &DetailFetcher{collector: collector}
}

// FetchDetail loads url and extracts the longest description it can find.
func (f *DetailFetcher) FetchDetail(ctx context.Context, url string) (Detail, error) {
	page, err := f.collector.Get(ctx, url, nil)
	if err != nil {
		return Detail{}, fmt.Errorf("fetch detail: %w", err)
	}
	return ParseDetail(page.Body)
}

// ParseDetail extracts description and organizer from an event page using
// JSON-LD, then og:description, then the meta description.
func ParseDetail(body []byte) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Detail{}, fmt.Errorf("parse detail html: %w", err)
	}
	var out Detail
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld struct {
			Description string `json:"description"`
			Organizer   struct {
				Name string `json:"name"`
			} `json:"organizer"`
		}
		if json.Unmarshal([]byte(s.Text()), &ld) != nil {
			return true
		}
		if len(ld.Description) > len(out.Description) {
			out.Description = strings.TrimSpace(ld.Description)
		}
		if out.OrganizerName == "" {
			out.OrganizerName = strings.TrimSpace(ld.Organizer.Name)
		}
		return out.Description == ""
	})
	for _, sel := range []string{`meta[property="og:description"]`, `meta[name="description"]`} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			content = strings.TrimSpace(content)
			if len(content) > len(out.Description) {
				out.Description = content
			}
		}
	}
	return out, nil
}
