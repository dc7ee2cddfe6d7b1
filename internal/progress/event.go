package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart       Stage = "JOB_START"
	StagePlatformDone   Stage = "PLATFORM_DONE"
	StageRecordSaved    Stage = "RECORD_SAVED"
	StageRecordRejected Stage = "RECORD_REJECTED"
	StageJobDone        Stage = "JOB_DONE"
	StageJobError       Stage = "JOB_ERROR"
)

// Event captures one milestone of a scraping job or one pipeline outcome.
type Event struct {
	// JobID is the scraping job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Platform scopes platform and record events.
	Platform string
	// Backend names the crawl backend that served a platform.
	Backend string
	// Reason is the pipeline reject reason for RECORD_REJECTED.
	Reason string
	// Tier is the dedup rule that matched when Reason is "duplicate".
	Tier string
	// Count carries events found (PLATFORM_DONE) or saved (JOB_DONE).
	Count int
	// Dur captures platform and job latency.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StagePlatformDone, StageRecordSaved:
		if e.Platform == "" {
			return fmt.Errorf("%s requires platform", e.Stage)
		}
	case StageRecordRejected:
		if e.Platform == "" {
			return errors.New("record rejected requires platform")
		}
		if e.Reason == "" {
			return errors.New("record rejected requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}
