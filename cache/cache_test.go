package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := New(Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_GetOrLoad_CachesResult(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls int32
	load := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}

	v1, err := c.GetOrLoad(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	require.Equal(t, "value", string(v1))

	v2, err := c.GetOrLoad(ctx, "k", time.Minute, load)
	require.NoError(t, err)
	require.Equal(t, "value", string(v2))

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "k", time.Minute, func() ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "k"))

	v, err := c.GetOrLoad(ctx, "k", time.Minute, func() ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}
