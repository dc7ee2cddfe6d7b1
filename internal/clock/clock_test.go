package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemClockIsUTC(t *testing.T) {
	t.Parallel()
	require.Equal(t, time.UTC, NewSystem().Now().Location())
}

func TestManualClockAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	c.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute), c.Now())
	c.Set(start)
	require.Equal(t, start, c.Now())
}
