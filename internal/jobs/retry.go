package jobs

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often a queued job is attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64

	random func() float64
}

// DefaultRetryPolicy allows two attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Jitter: 0.2}
}

// ShouldRetry reports whether a job that failed on attempt may run again.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff is the wait before attempt+1: BaseDelay doubled per prior
// attempt, capped at MaxDelay, then jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		random := p.random
		if random == nil {
			random = rand.Float64
		}
		delay = time.Duration(float64(delay) * (1 + p.Jitter*(2*random()-1)))
	}
	return delay
}
