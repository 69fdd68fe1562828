package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asfalis/asfalis/internal/testutil"
)

type countingProvider struct {
	token string
	calls int
}

func (p *countingProvider) Token(context.Context, int64) (string, error) {
	p.calls++
	return p.token, nil
}

func TestRedisTokenCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	t.Run("caches across lookups", func(t *testing.T) {
		inner := &countingProvider{token: "tok-a"}
		cache := NewRedisTokenCache(inner, client, time.Minute)

		first, err := cache.Token(ctx, 1)
		require.NoError(t, err)
		second, err := cache.Token(ctx, 1)
		require.NoError(t, err)

		assert.Equal(t, "tok-a", first)
		assert.Equal(t, "tok-a", second)
		assert.Equal(t, 1, inner.calls)

		ttl := client.TTL(ctx, tokenKey(1)).Val()
		assert.True(t, ttl > 0 && ttl <= time.Minute)
	})

	t.Run("installations are cached independently", func(t *testing.T) {
		inner := &countingProvider{token: "tok-b"}
		cache := NewRedisTokenCache(inner, client, time.Minute)

		_, err := cache.Token(ctx, 10)
		require.NoError(t, err)
		_, err = cache.Token(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("empty tokens are not cached", func(t *testing.T) {
		inner := &countingProvider{token: ""}
		cache := NewRedisTokenCache(inner, client, time.Minute)

		tok, err := cache.Token(ctx, 20)
		require.NoError(t, err)
		assert.Empty(t, tok)
		assert.Equal(t, int64(0), client.Exists(ctx, tokenKey(20)).Val())
	})
}
