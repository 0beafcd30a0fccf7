package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheExpires(t *testing.T) {
	c := NewLocalIdempotencyCache()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "k1", "PUR-1", time.Minute))
	id, ok, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "PUR-1", id)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalCacheOverwrites(t *testing.T) {
	c := NewLocalIdempotencyCache()
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "k1", "SALE-1", 0))
	require.NoError(t, c.Remember(ctx, "k1", "SALE-2", 0))

	id, ok, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SALE-2", id)
}

func TestNoopCacheNeverHits(t *testing.T) {
	var c IdempotencyCache = NoopIdempotencyCache{}
	require.NoError(t, c.Remember(context.Background(), "k", "v", time.Minute))
	_, ok, err := c.Lookup(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheOverwrites(t *testing.T) {
	addr := os.Getenv("PHARMALEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set PHARMALEDGER_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	c := NewRedisIdempotencyCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))

	key := fmt.Sprintf("it-%d", time.Now().UnixNano())
	require.NoError(t, c.Remember(ctx, key, "SALE-1", time.Minute))
	require.NoError(t, c.Remember(ctx, key, "SALE-2", time.Minute))

	id, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SALE-2", id)
}
