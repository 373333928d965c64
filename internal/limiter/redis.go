package limiter

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "launchpad:rate:"

// RedisCounters implements Counters on Redis so concurrent engine instances
// respect one global budget. INCRBY is atomic per key, which is the whole
// consistency requirement; no cross-process locking.
type RedisCounters struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCounters connects to Redis and verifies reachability.
func NewRedisCounters(addr, password string, db int, timeout time.Duration) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("limiter: redis ping: %w", err)
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &RedisCounters{client: client, timeout: timeout}, nil
}

// Add increments the request and token counters for the target's current
// window bucket and returns the post-increment totals. Keys expire two
// windows after creation so stale buckets clean themselves up.
func (c *RedisCounters) Add(ctx context.Context, target string, span time.Duration, requests, tokens int64) (int64, int64, error) {
	if span <= 0 {
		span = time.Minute
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bucket := time.Now().Unix() / int64(span.Seconds())
	reqKey := fmt.Sprintf("%s%s:%d:req", redisKeyPrefix, target, bucket)
	tokKey := fmt.Sprintf("%s%s:%d:tok", redisKeyPrefix, target, bucket)

	var reqCmd, tokCmd *redis.IntCmd
	_, err := c.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		reqCmd = pipe.IncrBy(opCtx, reqKey, requests)
		tokCmd = pipe.IncrBy(opCtx, tokKey, tokens)
		pipe.Expire(opCtx, reqKey, 2*span)
		pipe.Expire(opCtx, tokKey, 2*span)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return reqCmd.Val(), tokCmd.Val(), nil
}

// Close releases the Redis connection.
func (c *RedisCounters) Close() error {
	return c.client.Close()
}
