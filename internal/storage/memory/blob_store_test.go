package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`[{"apiId":"evt-1"}]`)
	uri, err := store.PutObject(context.Background(), "raw/job-1/luma.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/job-1/luma.json", uri)

	payload[0] = 'X'
	stored, ok := store.Object("raw/job-1/luma.json")
	require.True(t, ok)
	require.Equal(t, `[{"apiId":"evt-1"}]`, string(stored))

	_, ok = store.Object("missing")
	require.False(t, ok)
}
