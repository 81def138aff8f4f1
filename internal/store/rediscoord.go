package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator mirrors the hot path of C5's repo-level label-write
// backoff state in Redis so a multi-process deployment shares backoff
// windows without round-tripping through the durable StateStore on
// every label op. It is an accelerator, not a replacement: the
// StateStore remains the source of truth that survives process
// restarts; RedisCoordinator lets concurrent ralphd processes observe
// each other's backoff state with low latency. Nothing in this module
// constructs it: labelcoord reads and writes its backoff state only
// through the StateStore.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator connects to addr and verifies reachability.
func NewRedisCoordinator(addr, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCoordinator{client: client}, nil
}

func backoffKey(repo string) string {
	return fmt.Sprintf("ralphd:labelbackoff:%s", repo)
}

// SetBackoffUntil publishes the repo's blocked-until timestamp (ms
// since epoch) with a TTL slightly beyond the window so stale entries
// self-expire even if nobody clears them.
func (c *RedisCoordinator) SetBackoffUntil(ctx context.Context, repo string, untilMs int64, window time.Duration) error {
	return c.client.Set(ctx, backoffKey(repo), untilMs, window+5*time.Second).Err()
}

// GetBackoffUntil returns the repo's blocked-until timestamp, or 0 if
// no backoff window is currently published.
func (c *RedisCoordinator) GetBackoffUntil(ctx context.Context, repo string) (int64, error) {
	val, err := c.client.Get(ctx, backoffKey(repo)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// leaseKey namespaces a per-issue lock lease used only for cross-process
// visibility; the authoritative lock is still the in-process tail chain
// described in spec.md §4.5 — this is diagnostic/coordination metadata.
func leaseKey(repo string, issueNumber int) string {
	return fmt.Sprintf("ralphd:lock:%s:%d", repo, issueNumber)
}

// PublishLeaseHolder records which process/worker currently holds the
// per-issue label-write lock, with a TTL so crashed holders don't wedge
// the key forever.
func (c *RedisCoordinator) PublishLeaseHolder(ctx context.Context, repo string, issueNumber int, holder string, ttl time.Duration) error {
	return c.client.Set(ctx, leaseKey(repo, issueNumber), holder, ttl).Err()
}

// ClearLeaseHolder removes the published lease if it is still held by holder.
func (c *RedisCoordinator) ClearLeaseHolder(ctx context.Context, repo string, issueNumber int, holder string) error {
	val, err := c.client.Get(ctx, leaseKey(repo, issueNumber)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != holder {
		return nil
	}
	return c.client.Del(ctx, leaseKey(repo, issueNumber)).Err()
}

// Close releases the underlying client.
func (c *RedisCoordinator) Close() error { return c.client.Close() }
