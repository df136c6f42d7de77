package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Exists(ctx, "10.1/ab/_.html.gz")
	require.NoError(t, err)
	require.False(t, ok)

	s.Put("10.1/ab/_.html.gz")
	ok, err = s.Exists(ctx, "10.1/ab/_.html.gz")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStorePresignPut(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	url, err := s.PresignPut(context.Background(), "10.1/ab/_.html.gz", 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, "10.1/ab/_.html.gz")
	require.Contains(t, url, "X-Expires=900")
}
