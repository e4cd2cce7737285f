package recovery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const attemptKeyPrefix = "custody:recovery:attempts:"

// RedisLimiter keeps failure counters in Redis so every replica sees the
// same count. Counters expire with the session they belong to.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Failures(ctx context.Context, key string) (int, error) {
	val, err := l.client.Get(ctx, attemptKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

// RecordFailure increments the counter. The expiry is only set on the first
// failure so retries cannot extend the window.
func (l *RedisLimiter) RecordFailure(ctx context.Context, key string, ttl time.Duration) (int, error) {
	k := attemptKeyPrefix + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, attemptKeyPrefix+key).Err()
}
