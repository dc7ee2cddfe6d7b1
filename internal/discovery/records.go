package discovery

import (
	"strings"
	"time"
)

// RawRecord is the platform-specific shape produced by a crawl backend.
// It is sealed: only LumaRecord and EventbriteRecord implement it.
type RawRecord interface {
	Platform() string
	rawRecord()
}

// LumaRecord is the reconciled shape of a lu.ma event.
type LumaRecord struct {
	APIID        string     `json:"apiId"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	StartAt      time.Time  `json:"startAt"`
	EndAt        *time.Time `json:"endAt,omitempty"`
	URL          string     `json:"url"`
	CoverURL     string     `json:"coverUrl,omitempty"`
	City         string     `json:"city,omitempty"`
	Country      string     `json:"country,omitempty"`
	VenueName    string     `json:"venueName,omitempty"`
	VenueAddress string     `json:"venueAddress,omitempty"`
	IsOnline     bool       `json:"isOnline"`
	Hosts        []string   `json:"hosts,omitempty"`
	IsFree       bool       `json:"isFree"`
	PriceCents   *int       `json:"priceCents,omitempty"`
	Currency     string     `json:"currency,omitempty"`
}

// Platform implements RawRecord.
func (LumaRecord) Platform() string { return PlatformLuma }

func (LumaRecord) rawRecord() {}

// EventbriteRecord is the reconciled shape of an Eventbrite event.
type EventbriteRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Summary       string     `json:"summary,omitempty"`
	Description   string     `json:"description"`
	StartUTC      time.Time  `json:"startUtc"`
	EndUTC        *time.Time `json:"endUtc,omitempty"`
	URL           string     `json:"url"`
	LogoURL       string     `json:"logoUrl,omitempty"`
	VenueName     string     `json:"venueName,omitempty"`
	VenueAddress  string     `json:"venueAddress,omitempty"`
	City          string     `json:"city,omitempty"`
	Country       string     `json:"country,omitempty"`
	OnlineEvent   bool       `json:"onlineEvent"`
	OrganizerName string     `json:"organizerName,omitempty"`
	OrganizerURL  string     `json:"organizerUrl,omitempty"`
	IsFree        bool       `json:"isFree"`
	MinPrice      *float64   `json:"minPrice,omitempty"`
	MaxPrice      *float64   `json:"maxPrice,omitempty"`
	Currency      string     `json:"currency,omitempty"`
}

// Platform implements RawRecord.
func (EventbriteRecord) Platform() string { return PlatformEventbrite }

func (EventbriteRecord) rawRecord() {}

// ToEvent maps a raw record onto the canonical event shape. Scores, tags
// and type are left for the pipeline. city is the searched city and fills
// the gap when the record does not carry one.
func ToEvent(raw RawRecord, city string) Event {
	var evt Event
	switch r := raw.(type) {
	case LumaRecord:
		evt = fromLuma(r)
	case *LumaRecord:
		evt = fromLuma(*r)
	case EventbriteRecord:
		evt = fromEventbrite(r)
	case *EventbriteRecord:
		evt = fromEventbrite(*r)
	}
	if strings.TrimSpace(evt.City) == "" {
		evt.City = strings.TrimSpace(city)
	}
	return evt
}

func fromLuma(r LumaRecord) Event {
	evt := Event{
		Title:          strings.TrimSpace(r.Name),
		Description:    strings.TrimSpace(r.Description),
		EventDate:      r.StartAt.UTC(),
		EventEndDate:   utcPtr(r.EndAt),
		City:           strings.TrimSpace(r.City),
		Country:        strings.TrimSpace(r.Country),
		VenueName:      strings.TrimSpace(r.VenueName),
		VenueAddress:   strings.TrimSpace(r.VenueAddress),
		IsOnline:       r.IsOnline,
		IsFree:         r.IsFree,
		Currency:       strings.ToUpper(strings.TrimSpace(r.Currency)),
		ExternalURL:    strings.TrimSpace(r.URL),
		ImageURL:       strings.TrimSpace(r.CoverURL),
		SourcePlatform: PlatformLuma,
		SourceID:       NormalizeSourceID(r.APIID),
	}
	if len(r.Hosts) > 0 {
		evt.OrganizerName = strings.TrimSpace(r.Hosts[0])
	}
	if r.PriceCents != nil && *r.PriceCents > 0 {
		price := float64(*r.PriceCents) / 100
		evt.PriceMin = &price
		evt.PriceMax = &price
		evt.IsFree = false
	}
	return evt
}

func fromEventbrite(r EventbriteRecord) Event {
	description := strings.TrimSpace(r.Description)
	if description == "" {
		description = strings.TrimSpace(r.Summary)
	}
	return Event{
		Title:          strings.TrimSpace(r.Name),
		Description:    description,
		EventDate:      r.StartUTC.UTC(),
		EventEndDate:   utcPtr(r.EndUTC),
		City:           strings.TrimSpace(r.City),
		Country:        strings.TrimSpace(r.Country),
		VenueName:      strings.TrimSpace(r.VenueName),
		VenueAddress:   strings.TrimSpace(r.VenueAddress),
		IsOnline:       r.OnlineEvent,
		IsFree:         r.IsFree,
		PriceMin:       r.MinPrice,
		PriceMax:       r.MaxPrice,
		Currency:       strings.ToUpper(strings.TrimSpace(r.Currency)),
		OrganizerName:  strings.TrimSpace(r.OrganizerName),
		OrganizerURL:   strings.TrimSpace(r.OrganizerURL),
		ExternalURL:    strings.TrimSpace(r.URL),
		ImageURL:       strings.TrimSpace(r.LogoURL),
		SourcePlatform: PlatformEventbrite,
		SourceID:       NormalizeSourceID(r.ID),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
