package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-broker/internal/repository"
)

const codePrefix = "broker:login:code:"

// RedisCodeStore implements LoginCodeStore. Codes are one-shot: the
// verify leg removes the entry in the same GETDEL that reads it.
type RedisCodeStore struct {
	client redis.UniversalClient
}

var _ repository.LoginCodeStore = (*RedisCodeStore)(nil)

// NewRedisCodeStore constructs a Redis-backed login code store.
func NewRedisCodeStore(client redis.UniversalClient) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

// SaveCode stores the hashed verification code for the target address.
func (s *RedisCodeStore) SaveCode(ctx context.Context, target, codeHash string, ttl time.Duration) error {
	if err := s.client.Set(ctx, codeKey(target), codeHash, ttl).Err(); err != nil {
		return fmt.Errorf("persist login code: %w", err)
	}
	return nil
}

// ConsumeCode returns the stored hash and removes it. Empty with nil
// error means no live code exists for the target.
func (s *RedisCodeStore) ConsumeCode(ctx context.Context, target string) (string, error) {
	hash, err := s.client.GetDel(ctx, codeKey(target)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("consume login code: %w", err)
	}
	return hash, nil
}

func codeKey(target string) string {
	return codePrefix + strings.ToLower(strings.TrimSpace(target))
}
