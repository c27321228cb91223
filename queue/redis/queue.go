// Package redis mirrors the engine's wake and lease indexes into Redis
// sorted sets so the worker pool can poll due work with ZRANGEBYSCORE instead
// of a bbolt range scan, giving an efficient wake-time-ordered index
// for fast sweeps.
// The KV store (db/kv) remains the source of truth; this index is
// disposable and rebuildable from it.
package redis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	wakeZSetKey  = "gasoline:wake"
	leaseZSetKey = "gasoline:leases"
)

// Index wraps a Redis client holding the wake-time and lease-deadline
// sorted sets mirrored from the KV store.
type Index struct {
	client *redis.Client
}

// Config configures the Redis connection backing the index.
type Config struct {
	// RedisURL defaults to GASOLINE_REDIS_URL, then
	// redis://localhost:6379/0.
	RedisURL string
}

// NewIndex opens a Redis client for the wake/lease index.
func NewIndex(config Config) (*Index, error) {
	url := config.RedisURL
	if url == "" {
		url = os.Getenv("GASOLINE_REDIS_URL")
	}
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &Index{client: redis.NewClient(opts)}, nil
}

// Close closes the underlying Redis client.
func (i *Index) Close() error {
	return i.client.Close()
}

// MarkWake records that workflowID should wake at wakeTS. The worker
// calls this after every commit that sets a wake time, mirroring
// CommitPass's KV write into the fast index.
func (i *Index) MarkWake(ctx context.Context, workflowID string, wakeTS time.Time) error {
	return i.client.ZAdd(ctx, wakeZSetKey, redis.Z{
		Score:  float64(wakeTS.UnixNano()),
		Member: workflowID,
	}).Err()
}

// ClearWake removes workflowID from the wake index, mirroring a commit
// that clears the KV wake entry (completion, death, or purge).
func (i *Index) ClearWake(ctx context.Context, workflowID string) error {
	return i.client.ZRem(ctx, wakeZSetKey, workflowID).Err()
}

// DueWorkflows returns workflow ids whose wake time is at or before now,
// oldest first, capped at limit (0 means unbounded).
func (i *Index) DueWorkflows(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano())}
	if limit > 0 {
		opt.Count = limit
	}
	return i.client.ZRangeByScore(ctx, wakeZSetKey, opt).Result()
}

// MarkLeased records that workflowID is leased until deadline, so
// ExpiredLeases can find it without touching the KV store.
func (i *Index) MarkLeased(ctx context.Context, workflowID string, deadline time.Time) error {
	return i.client.ZAdd(ctx, leaseZSetKey, redis.Z{
		Score:  float64(deadline.UnixNano()),
		Member: workflowID,
	}).Err()
}

// ClearLease removes workflowID from the lease index, called on release
// (normal completion of a pass) or reclaim (expiry).
func (i *Index) ClearLease(ctx context.Context, workflowID string) error {
	return i.client.ZRem(ctx, leaseZSetKey, workflowID).Err()
}

// ExpiredLeases returns workflow ids whose lease deadline has already
// passed as of now, candidates the sweeper should reclaim and re-queue.
func (i *Index) ExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	return i.client.ZRangeByScore(ctx, leaseZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
}

// IsLeased reports whether workflowID currently holds an unexpired
// lease per the index.
func (i *Index) IsLeased(ctx context.Context, workflowID string, now time.Time) (bool, error) {
	score, err := i.client.ZScore(ctx, leaseZSetKey, workflowID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: lease score for %s: %w", workflowID, err)
	}
	return int64(score) > now.UnixNano(), nil
}

// Rebuild clears and repopulates the wake index from entries, used to
// recover the mirror after a Redis flush or at cold start.
func (i *Index) Rebuild(ctx context.Context, entries map[string]time.Time) error {
	pipe := i.client.TxPipeline()
	pipe.Del(ctx, wakeZSetKey)
	for id, ts := range entries {
		pipe.ZAdd(ctx, wakeZSetKey, redis.Z{Score: float64(ts.UnixNano()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: rebuild wake index: %w", err)
	}
	return nil
}
