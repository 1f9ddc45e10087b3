package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/pkg/config"
)

func TestNewClient_Disabled(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{Enabled: false}}

	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Close())
}

func TestCache_DisabledIsNoop(t *testing.T) {
	client, err := New(&config.Config{})
	require.NoError(t, err)
	cache := NewCache(client, "test")

	ctx := context.Background()
	assert.False(t, cache.Enabled())
	assert.NoError(t, cache.Set(ctx, "key", []int{1, 2}, 0))

	var result []int
	found, err := cache.Get(ctx, "key", &result)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, cache.Delete(ctx, "key"))
}

func TestCache_NilIsDisabled(t *testing.T) {
	var cache *Cache
	assert.False(t, cache.Enabled())
}

func TestFetchKey(t *testing.T) {
	assert.Equal(t, "fetch:daily:abc123", FetchKey("daily:abc123"))
	assert.Equal(t, "factorscreen:cache:fetch:daily:x", NewCache(nil, "factorscreen").key(FetchKey("daily:x")))
}
