package redis_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/oauthlink/cache/redis"
)

func newStore(t *testing.T) (*redis.NonceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewNonceStore(client, "oauthlink"), mr
}

func TestNonceStore_ConsumeOnce(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	first, err := store.Consume(ctx, "nonce-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.Consume(ctx, "nonce-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "oauthlink:nonce:"))
	assert.NotContains(t, keys[0], "nonce-1", "raw nonce must not be stored")
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))
}

func TestNonceStore_Expiry(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	ok, err := store.Consume(ctx, "n", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Minute)

	ok, err = store.Consume(ctx, "n", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNonceStore_Unavailable(t *testing.T) {
	store, mr := newStore(t)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()

	_, err := store.Consume(context.Background(), "n", time.Minute)
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}
