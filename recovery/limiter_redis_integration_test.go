//go:build integration

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	l := NewRedisLimiter(client)

	n, err := l.Failures(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	for want := 1; want <= 3; want++ {
		n, err = l.RecordFailure(ctx, "s1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err = l.Failures(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ttl, err := client.TTL(ctx, attemptKeyPrefix+"s1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	_, err = l.RecordFailure(ctx, "short", time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, err := l.Failures(ctx, "short")
		return err == nil && n == 0
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, l.Reset(ctx, "s1"))
	n, err = l.Failures(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
