package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-broker/internal/domain/oauth"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

const statePrefix = "broker:oauth:state:"

// RedisStateStore implements StateStore backed by Redis. Consumption uses
// GETDEL so a replayed state value can never resolve a second time, even
// when two callbacks race.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded flow state under its own state value.
func (s *RedisStateStore) SaveState(ctx context.Context, state oauth.FlowState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(state.State), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState atomically loads and removes the state. A nil result with
// nil error means the state was absent, expired, or already consumed.
func (s *RedisStateStore) ConsumeState(ctx context.Context, state string) (*oauth.FlowState, error) {
	bytes, err := s.client.GetDel(ctx, stateKey(state)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var flow oauth.FlowState
	if err := json.Unmarshal(bytes, &flow); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &flow, nil
}

func stateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}
