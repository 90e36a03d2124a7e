package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolution struct {
	CrateName string `json:"crateName"`
	Version   string `json:"version"`
	ArchiveKey string `json:"archiveKey"`
}

func newTestCache(t *testing.T) *ResolutionCache {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewResolutionCache(context.Background(), Config{
		RedisURL: "redis://" + mr.Addr() + "/0",
		TTL:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestResolutionCache_MissThenSetThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var got resolution
	err := c.Get(ctx, "serde/latest", &got)
	assert.ErrorIs(t, err, ErrMiss)

	want := resolution{CrateName: "serde", Version: "1.0.210", ArchiveKey: "serde/1.0.210/serde.zip"}
	require.NoError(t, c.Set(ctx, "serde/latest", want))

	require.NoError(t, c.Get(ctx, "serde/latest", &got))
	assert.Equal(t, want, got)
}

func TestResolutionCache_Invalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tokio/latest", resolution{CrateName: "tokio", Version: "1.40.0"}))
	require.NoError(t, c.Invalidate(ctx, "tokio/latest"))

	var got resolution
	err := c.Get(ctx, "tokio/latest", &got)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestResolutionCache_InvalidatePrefix(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "anyhow/1.0.90/index.html", resolution{CrateName: "anyhow", Version: "1.0.90"}))
	require.NoError(t, c.Set(ctx, "anyhow/1.0.89/index.html", resolution{CrateName: "anyhow", Version: "1.0.89"}))
	require.NoError(t, c.Set(ctx, "serde/1.0.210/index.html", resolution{CrateName: "serde", Version: "1.0.210"}))

	require.NoError(t, c.InvalidatePrefix(ctx, "anyhow/"))

	var got resolution
	assert.ErrorIs(t, c.Get(ctx, "anyhow/1.0.90/index.html", &got), ErrMiss)
	assert.ErrorIs(t, c.Get(ctx, "anyhow/1.0.89/index.html", &got), ErrMiss)
	assert.NoError(t, c.Get(ctx, "serde/1.0.210/index.html", &got))
}

func TestResolutionCache_ExpiresAfterTTL(t *testing.T) {
	// miniredis expires keys only when its clock is advanced, so this test
	// keeps its own server handle to fast-forward past the 50ms TTL.
	mr := miniredis.RunT(t)
	c, err := NewResolutionCache(context.Background(), Config{
		RedisURL: "redis://" + mr.Addr() + "/0",
		TTL:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "expiring/key", resolution{CrateName: "expiring"}))
	mr.FastForward(100 * time.Millisecond)

	var got resolution
	assert.ErrorIs(t, c.Get(ctx, "expiring/key", &got), ErrMiss)
}
