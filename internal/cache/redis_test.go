package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "payment:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, "payment:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("lock:payment:1"))

	release2, ok, err := locker.Acquire(ctx, "payment:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("lock:k"))
}

func TestRedisVelocityCounter(t *testing.T) {
	mr, client := newTestClient(t)
	counter := NewRedisVelocityCounter(client)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := counter.Hit(ctx, "code:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	mr.FastForward(2 * time.Minute)
	n, err := counter.Hit(ctx, "code:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "redis://:bad:url")
	assert.Error(t, err)
}
