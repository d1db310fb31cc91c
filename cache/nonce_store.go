package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// HashKey hashes a nonce so raw state values never sit in a cache.
func HashKey(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// MemoryNonceStore implements domain.NonceStore using ttlcache. It only
// guards a single process.
type MemoryNonceStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewMemoryNonceStore creates an in-memory nonce store and starts its
// expiry loop. Call Stop to release it.
func NewMemoryNonceStore() *MemoryNonceStore {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go c.Start()

	return &MemoryNonceStore{cache: c}
}

// Consume records nonce for ttl. It returns false when the nonce was already seen.
func (s *MemoryNonceStore) Consume(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	_, seen := s.cache.GetOrSet(HashKey(nonce), struct{}{}, ttlcache.WithTTL[string, struct{}](ttl))
	return !seen, nil
}

// Len returns the number of live nonces.
func (s *MemoryNonceStore) Len() int {
	return s.cache.Len()
}

// Stop ends the expiry loop.
func (s *MemoryNonceStore) Stop() {
	s.cache.Stop()
}
