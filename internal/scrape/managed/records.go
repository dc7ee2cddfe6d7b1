package managed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// text accepts either a plain string or a structured {text, html} document.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode text: %w", err)
		}
		*t = text(s)
		return nil
	}
	var doc struct {
		Text string `json:"text"`
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode text document: %w", err)
	}
	if doc.Text != "" {
		*t = text(doc.Text)
	} else {
		*t = text(doc.HTML)
	}
	return nil
}

// lumaItem is the nested shape produced by the lu.ma actor.
type lumaItem struct {
	Event struct {
		APIID        string     `json:"api_id"`
		Name         string     `json:"name"`
		Description  text       `json:"description"`
		StartAt      time.Time  `json:"start_at"`
		EndAt        *time.Time `json:"end_at"`
		URL          string     `json:"url"`
		CoverURL     string     `json:"cover_url"`
		LocationType string     `json:"location_type"`
		GeoAddress   struct {
			City        string `json:"city"`
			Country     string `json:"country"`
			Address     string `json:"address"`
			FullAddress string `json:"full_address"`
			Name        string `json:"place_name"`
		} `json:"geo_address_info"`
	} `json:"event"`
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

func decodeLuma(raw json.RawMessage) (discovery.RawRecord, error) {
	var item lumaItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode luma item: %w", err)
	}
	ev := item.Event
	if ev.APIID == "" || ev.Name == "" {
		return nil, errors.New("luma item missing identity")
	}
	rec := discovery.LumaRecord{
		APIID:        ev.APIID,
		Name:         ev.Name,
		Description:  string(ev.Description),
		StartAt:      ev.StartAt,
		EndAt:        ev.EndAt,
		URL:          lumaURL(ev.URL),
		CoverURL:     ev.CoverURL,
		City:         ev.GeoAddress.City,
		Country:      ev.GeoAddress.Country,
		VenueName:    ev.GeoAddress.Name,
		VenueAddress: firstNonEmpty(ev.GeoAddress.FullAddress, ev.GeoAddress.Address),
		IsOnline:     ev.LocationType == "online",
		IsFree:       item.TicketInfo.IsFree,
	}
	for _, h := range item.Hosts {
		if name := strings.TrimSpace(h.Name); name != "" {
			rec.Hosts = append(rec.Hosts, name)
		}
	}
	if p := item.TicketInfo.Price; p != nil {
		cents := p.Cents
		rec.PriceCents = &cents
		rec.Currency = p.Currency
	}
	return rec, nil
}

// lumaURL expands the slug form the actor sometimes returns.
func lumaURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://lu.ma/" + strings.TrimPrefix(u, "/")
}

// eventbriteItem is the flat shape produced by the Eventbrite actor.
type eventbriteItem struct {
	ID          string `json:"id"`
	Name        text   `json:"name"`
	Summary     string `json:"summary"`
	Description text   `json:"description"`
	Start       struct {
		UTC time.Time `json:"utc"`
	} `json:"start"`
	End *struct {
		UTC time.Time `json:"utc"`
	} `json:"end"`
	URL  string `json:"url"`
	Logo *struct {
		URL string `json:"url"`
	} `json:"logo"`
	Venue *struct {
		Name    string `json:"name"`
		Address struct {
			Display string `json:"localized_address_display"`
			City    string `json:"city"`
			Country string `json:"country"`
		} `json:"address"`
	} `json:"venue"`
	OnlineEvent bool `json:"online_event"`
	Organizer   *struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"organizer"`
	IsFree  bool `json:"is_free"`
	Tickets *struct {
		Min *ticketPrice `json:"minimum_ticket_price"`
		Max *ticketPrice `json:"maximum_ticket_price"`
	} `json:"ticket_availability"`
}

type ticketPrice struct {
	MajorValue string `json:"major_value"`
	Currency   string `json:"currency"`
}

func (p *ticketPrice) value() *float64 {
	if p == nil || p.MajorValue == "" {
		return nil
	}
	v, err := strconv.ParseFloat(p.MajorValue, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func decodeEventbrite(raw json.RawMessage) (discovery.RawRecord, error) {
	var item eventbriteItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode eventbrite item: %w", err)
	}
	if item.ID == "" || item.Name == "" {
		return nil, errors.New("eventbrite item missing identity")
	}
	rec := discovery.EventbriteRecord{
		ID:          item.ID,
		Name:        string(item.Name),
		Summary:     item.Summary,
		Description: string(item.Description),
		StartUTC:    item.Start.UTC,
		URL:         item.URL,
		OnlineEvent: item.OnlineEvent,
		IsFree:      item.IsFree,
	}
	if item.End != nil {
		end := item.End.UTC
		rec.EndUTC = &end
	}
	if item.Logo != nil {
		rec.LogoURL = item.Logo.URL
	}
	if item.Venue != nil {
		rec.VenueName = item.Venue.Name
		rec.VenueAddress = item.Venue.Address.Display
		rec.City = item.Venue.Address.City
		rec.Country = item.Venue.Address.Country
	}
	if item.Organizer != nil {
		rec.OrganizerName = item.Organizer.Name
		rec.OrganizerURL = item.Organizer.URL
	}
	if item.Tickets != nil {
		rec.MinPrice = item.Tickets.Min.value()
		rec.MaxPrice = item.Tickets.Max.value()
		if item.Tickets.Min != nil {
			rec.Currency = item.Tickets.Min.Currency
		}
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
