package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	idx, err := NewIndex(Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndex_WakeRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, idx.MarkWake(ctx, "wf-1", now.Add(-time.Second)))
	require.NoError(t, idx.MarkWake(ctx, "wf-2", now.Add(time.Hour)))

	due, err := idx.DueWorkflows(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, due)

	require.NoError(t, idx.ClearWake(ctx, "wf-1"))
	due, err = idx.DueWorkflows(ctx, now, 0)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestIndex_LeaseRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Unix(2000, 0)

	require.NoError(t, idx.MarkLeased(ctx, "wf-1", now.Add(time.Minute)))

	leased, err := idx.IsLeased(ctx, "wf-1", now)
	require.NoError(t, err)
	require.True(t, leased)

	expired, err := idx.ExpiredLeases(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, expired)

	require.NoError(t, idx.ClearLease(ctx, "wf-1"))
	leased, err = idx.IsLeased(ctx, "wf-1", now)
	require.NoError(t, err)
	require.False(t, leased)
}

func TestIndex_Rebuild(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Unix(3000, 0)

	require.NoError(t, idx.MarkWake(ctx, "stale", now))
	require.NoError(t, idx.Rebuild(ctx, map[string]time.Time{
		"wf-a": now.Add(-time.Second),
	}))

	due, err := idx.DueWorkflows(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-a"}, due)
}
