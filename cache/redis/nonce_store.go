package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.pilab.hu/oauthlink/cache"
)

// NonceStore implements domain.NonceStore on Redis so every replica sees the
// same consumed states.
type NonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewNonceStore creates a new [NonceStore]. prefix namespaces the keys.
func NewNonceStore(client redis.UniversalClient, prefix string) *NonceStore {
	return &NonceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *NonceStore) redisKey(nonce string) string {
	return fmt.Sprintf("%s:nonce:%s", s.prefix, cache.HashKey(nonce))
}

// Consume sets the nonce key with SET NX and the given ttl. It returns false
// when the key already existed.
func (s *NonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.redisKey(nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce in Redis: %w", err)
	}
	return ok, nil
}

// Ping checks connectivity, used by the health endpoint.
func (s *NonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
