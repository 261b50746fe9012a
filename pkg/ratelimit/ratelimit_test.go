package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(2, time.Minute)
	m.now = func() time.Time { return now }

	for range 2 {
		ok, err := m.Allow(ctx, "!a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "!a")
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "!b")
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _ = m.Allow(ctx, "!a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, m.Prune())
}

func TestMemoryZeroLimitAllowsAll(t *testing.T) {
	m := NewMemory(0, time.Minute)
	for range 100 {
		ok, err := m.Allow(context.Background(), "!a")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRedisSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRedis(client, 3, time.Minute)
	r.now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}

	ctx := context.Background()
	for i := range 3 {
		ok, err := r.Allow(ctx, "!a1b2c3d4")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i)
	}
	ok, err := r.Allow(ctx, "!a1b2c3d4")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("groundwave:ratelimit:!a1b2c3d4"))

	now = now.Add(2 * time.Minute)
	ok, err = r.Allow(ctx, "!a1b2c3d4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr(), 5, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ok, err := r.Allow(context.Background(), "!x")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewRedisFromURL(context.Background(), "not a url", 5, time.Minute)
	assert.Error(t, err)
}
