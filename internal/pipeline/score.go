package pipeline

import (
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

const maxScore = 100

// QualityScore rates how useful an event listing is to a reader.
func QualityScore(evt discovery.Event, now time.Time) int {
	score := 0
	title := len(strings.TrimSpace(evt.Title))
	if title >= 10 {
		score += 10
	}
	if title >= 30 {
		score += 5
	}
	desc := len(strings.TrimSpace(evt.Description))
	if desc >= 50 {
		score += 10
	}
	if desc >= 200 {
		score += 10
	}
	if desc >= 500 {
		score += 5
	}
	if !evt.EventDate.IsZero() && evt.EventDate.After(now) {
		score += 15
	}
	if strings.TrimSpace(evt.VenueName) != "" || strings.TrimSpace(evt.VenueAddress) != "" {
		score += 10
	}
	if strings.TrimSpace(evt.City) != "" {
		score += 10
	}
	if strings.TrimSpace(evt.OrganizerName) != "" {
		score += 10
	}
	if len(evt.TechStack) > 0 {
		score += 10
	}
	if len(evt.TechStack) >= 3 {
		score += 5
	}
	return min(score, maxScore)
}

// CompletenessScore rates how many canonical fields are populated.
func CompletenessScore(evt discovery.Event) int {
	score := 0
	if strings.TrimSpace(evt.Title) != "" {
		score += 15
	}
	desc := len(strings.TrimSpace(evt.Description))
	if desc >= 50 {
		score += 10
	}
	if desc >= 100 {
		score += 10
	}
	if desc >= 300 {
		score += 5
	}
	if !evt.EventDate.IsZero() {
		score += 15
	}
	city := strings.TrimSpace(evt.City)
	if city != "" {
		score += 10
	}
	if len(evt.TechStack) > 0 {
		score += 10
	}
	if strings.TrimSpace(evt.OrganizerName) != "" {
		score += 10
	}
	if validHTTPURL(evt.ExternalURL) {
		score += 10
	}
	if venue := strings.TrimSpace(evt.VenueName); venue != "" && !strings.EqualFold(venue, city) {
		score += 5
	}
	return min(score, maxScore)
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
