package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindowLimiter caps submissions per key across every orchestrator
// instance sharing the Redis server.
type SlidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	seq    atomic.Uint64
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter allowing
// limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *SlidingWindowLimiter) Limit() int { return r.limit }

// Allow records an event for key and reports whether it fits in the window.
// Denied events are removed again so they do not extend the penalty.
func (r *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:submit:" + key
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	if countCmd.Val() <= int64(r.limit) {
		return true, nil
	}
	if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
		return false, fmt.Errorf("rate limiter rollback for %q: %w", key, err)
	}
	return false, nil
}
