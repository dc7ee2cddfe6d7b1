package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7(t *testing.T) {
	t.Parallel()

	raw, err := NewUUIDv7().NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestSequence(t *testing.T) {
	t.Parallel()

	seq := NewSequence("a", "b")
	first, err := seq.NewID()
	require.NoError(t, err)
	require.Equal(t, "a", first)
	_, err = seq.NewID()
	require.NoError(t, err)
	_, err = seq.NewID()
	require.Error(t, err)
}
