package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// eventSchema mirrors the persisted columns that carry constraints.
type eventSchema struct {
	Title             string   `validate:"required,min=1,max=500"`
	Description       string   `validate:"required"`
	City              string   `validate:"required,max=200"`
	ExternalURL       string   `validate:"required,url,startswith=http"`
	ImageURL          string   `validate:"omitempty,url"`
	SourcePlatform    string   `validate:"required,oneof=luma eventbrite"`
	SourceID          string   `validate:"required,max=255"`
	EventType         string   `validate:"required,oneof=workshop conference meetup hackathon networking"`
	QualityScore      int      `validate:"gte=0,lte=100"`
	CompletenessScore int      `validate:"gte=0,lte=100"`
	PriceMin          *float64 `validate:"omitempty,gte=0"`
	PriceMax          *float64 `validate:"omitempty,gte=0"`
	Currency          string   `validate:"omitempty,len=3,alpha"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateEvent checks evt against the persistence schema.
func validateEvent(v *validator.Validate, evt discovery.Event) error {
	schema := eventSchema{
		Title:             strings.TrimSpace(evt.Title),
		Description:       strings.TrimSpace(evt.Description),
		City:              strings.TrimSpace(evt.City),
		ExternalURL:       evt.ExternalURL,
		ImageURL:          evt.ImageURL,
		SourcePlatform:    evt.SourcePlatform,
		SourceID:          evt.SourceID,
		EventType:         string(evt.EventType),
		QualityScore:      evt.QualityScore,
		CompletenessScore: evt.CompletenessScore,
		PriceMin:          evt.PriceMin,
		PriceMax:          evt.PriceMax,
		Currency:          evt.Currency,
	}
	if err := v.Struct(schema); err != nil {
		return fmt.Errorf("event schema: %w", err)
	}
	if evt.EventDate.IsZero() {
		return errors.New("event date is required")
	}
	if evt.EventEndDate != nil && evt.EventEndDate.Before(evt.EventDate) {
		return errors.New("event end date precedes start")
	}
	if evt.PriceMin != nil && evt.PriceMax != nil && *evt.PriceMax < *evt.PriceMin {
		return errors.New("price max below price min")
	}
	return nil
}
