package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLayer_SetThenGetWithinTTL(t *testing.T) {
	l := NewMemoryLayer()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k1", "hello", time.Minute))

	var got string
	hit, err := l.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hello", got)
}

func TestMemoryLayer_EvictsOnReadAfterExpiry(t *testing.T) {
	l := NewMemoryLayer()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k1", "hello", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	var got string
	hit, err := l.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, hit, "expired entry must never be returned")

	l.mu.RLock()
	_, stillPresent := l.data["k1"]
	l.mu.RUnlock()
	assert.False(t, stillPresent, "expired entry must be evicted, not just masked")
}

func TestMemoryLayer_Delete(t *testing.T) {
	l := NewMemoryLayer()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k1", "hello", time.Minute))
	require.NoError(t, l.Delete(ctx, "k1"))

	var got string
	hit, err := l.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryLayer_MissOnUnknownKey(t *testing.T) {
	l := NewMemoryLayer()
	var got string
	hit, err := l.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryLayer_ConcurrentWritesAreBenign(t *testing.T) {
	l := NewMemoryLayer()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Set(ctx, "shared", i, time.Minute)
		}(i)
	}
	wg.Wait()

	var got int
	hit, err := l.Get(ctx, "shared", &got)
	require.NoError(t, err)
	assert.True(t, hit)
}

func newTestRedisLayer(t *testing.T) *RedisLayer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLayer(client, zap.NewNop())
}

func TestRedisLayer_SetThenGetWithinTTL(t *testing.T) {
	r := newTestRedisLayer(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", "hello", time.Minute))

	var got string
	hit, err := r.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hello", got)
}

func TestRedisLayer_MissAfterBackendExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisLayer(client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", "hello", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	hit, err := r.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestKey_AndKeyModel(t *testing.T) {
	assert.Equal(t, "static:u1", Key("u1", TierStatic))
	assert.Equal(t, "prompt-prefix:u1:roaster", KeyModel("u1", TierPromptPrefix, "roaster"))
}
