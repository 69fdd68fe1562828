package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenProvider yields a GitHub access token for an installation. An empty
// token means the fetch proceeds unauthenticated (public repositories only).
type TokenProvider interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// StaticTokenProvider returns one fixed token for every installation, which
// covers personal-access-token deployments.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(context.Context, int64) (string, error) {
	return p.token, nil
}

// RedisTokenCache caches installation tokens in Redis so parallel workers
// share mints instead of each asking the upstream provider. The TTL must stay
// below the upstream token lifetime.
type RedisTokenCache struct {
	inner TokenProvider
	rdb   *redis.Client
	ttl   time.Duration
}

func NewRedisTokenCache(inner TokenProvider, rdb *redis.Client, ttl time.Duration) *RedisTokenCache {
	return &RedisTokenCache{inner: inner, rdb: rdb, ttl: ttl}
}

func tokenKey(installationID int64) string {
	return fmt.Sprintf("asfalis:ghtoken:%d", installationID)
}

func (c *RedisTokenCache) Token(ctx context.Context, installationID int64) (string, error) {
	key := tokenKey(installationID)
	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Cache trouble must not block fetches; fall through to the provider.
		return c.inner.Token(ctx, installationID)
	}

	token, err := c.inner.Token(ctx, installationID)
	if err != nil {
		return "", err
	}
	if token != "" {
		if setErr := c.rdb.Set(ctx, key, token, c.ttl).Err(); setErr != nil {
			return token, nil
		}
	}
	return token, nil
}
