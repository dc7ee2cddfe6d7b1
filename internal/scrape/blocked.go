package scrape

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("cf-challenge"),
	[]byte("challenge-platform"),
	[]byte("are you a robot"),
	[]byte("access denied"),
	[]byte("unusual traffic"),
}

// LooksBlocked reports whether a response is a bot challenge rather than
// content.
func LooksBlocked(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return true
	}
	// Challenge interstitials are short; real listing pages are not.
	if len(body) > 64*1024 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// appMounts are the mount points of client-rendered listing shells.
const appMounts = "#__next, #root, #app, [data-reactroot]"

// NeedsRender reports whether a 200 listing page is an app shell with none
// of the embedded event payloads the direct backends read: a JSON-LD
// ItemList or a populated __NEXT_DATA__ script.
func NeedsRender(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if hasEventPayload(doc) {
		return false
	}
	if doc.Find(appMounts).Length() > 0 {
		return true
	}
	return strings.TrimSpace(doc.Find("body").Text()) == ""
}

func hasEventPayload(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = strings.Contains(s.Text(), "itemListElement")
		return !found
	})
	if found {
		return true
	}
	return strings.TrimSpace(doc.Find("script#__NEXT_DATA__").Text()) != ""
}
