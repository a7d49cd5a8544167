package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore backs request deduplication with Redis so retried mutations
// are rejected even across service instances. Tokens expire on their own
// via the configured TTL.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenStore{client: client, ttl: ttl}
}

// Reserve claims the token atomically. It returns false when another
// request already holds it.
func (s *TokenStore) Reserve(ctx context.Context, token string) (bool, error) {
	return s.client.SetNX(ctx, s.key(token), "1", s.ttl).Result()
}

// Release frees a claimed token, used when the guarded mutation failed.
func (s *TokenStore) Release(ctx context.Context, token string) {
	// best-effort, the TTL covers a missed delete
	_ = s.client.Del(ctx, s.key(token)).Err()
}

func (s *TokenStore) key(token string) string {
	return "terratueftler:request:" + token
}
