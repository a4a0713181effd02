package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	_, ok := m.Get(ctx, "missing")
	assert.False(t, ok)

	m.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryExpiryAndStaleRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Set(ctx, "k", []byte("v"), time.Second)

	m.now = func() time.Time { return base.Add(2 * time.Second) }
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok, "expired entry must be invisible to Get")

	val, present, fresh := m.GetStale(ctx, "k")
	require.True(t, present, "expired entry must still be readable via GetStale")
	assert.False(t, fresh)
	assert.Equal(t, []byte("v"), val)
}

func TestMemoryEvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	base := time.Now()
	tick := 0
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Millisecond) }

	m.Set(ctx, "first", []byte("1"), time.Minute)
	m.Set(ctx, "second", []byte("2"), time.Minute)
	m.Set(ctx, "third", []byte("3"), time.Minute)

	assert.Equal(t, 2, m.Len())
	_, ok := m.Get(ctx, "first")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = m.Get(ctx, "third")
	assert.True(t, ok)
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Set(ctx, "a", []byte("3"), time.Minute)

	got, ok := m.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), got)
	got, _ = m.Get(ctx, "a")
	assert.Equal(t, []byte("3"), got)
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := NewRedis(client, "test", zap.NewNop())

	t.Run("miss then hit", func(t *testing.T) {
		_, ok := c.Get(ctx, "k")
		assert.False(t, ok)

		c.Set(ctx, "k", []byte("v"), time.Minute)
		got, ok := c.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), got)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		c.Set(ctx, "short", []byte("v"), time.Second)
		mr.FastForward(2 * time.Second)
		_, ok := c.Get(ctx, "short")
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		c.Set(ctx, "gone", []byte("v"), time.Minute)
		c.Delete(ctx, "gone")
		_, ok := c.Get(ctx, "gone")
		assert.False(t, ok)
	})

	t.Run("prefix isolation", func(t *testing.T) {
		other := NewRedis(client, "other", zap.NewNop())
		c.Set(ctx, "shared", []byte("mine"), time.Minute)
		_, ok := other.Get(ctx, "shared")
		assert.False(t, ok)
	})
}

func TestHashKeyStable(t *testing.T) {
	a := HashKey("gpt-4:what is the capital of france")
	b := HashKey("gpt-4:what is the capital of france")
	c := HashKey("gpt-4:what is the capital of germany")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
