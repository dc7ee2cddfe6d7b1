package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyAttempts(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	require.True(t, p.ShouldRetry(1))
	require.False(t, p.ShouldRetry(2))
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(4))
	require.Equal(t, 5*time.Second, p.Backoff(10))

	p.Jitter = 0.5
	p.random = func() float64 { return 1 }
	require.Equal(t, 1500*time.Millisecond, p.Backoff(1))
	p.random = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, p.Backoff(1))

	require.Zero(t, RetryPolicy{}.Backoff(3))
}
