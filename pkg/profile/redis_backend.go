package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

const redisKeyPrefix = "sanctuary:profile:"

// RedisBackend stores profiles as JSON values under sanctuary:profile:<user>.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a backend connected to a single Redis server.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBackend{client: rdb}
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Load(ctx context.Context, userID string) (contracts.UserSafetyProfile, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.UserSafetyProfile{}, contracts.ErrProfileNotFound
	}
	if err != nil {
		return contracts.UserSafetyProfile{}, fmt.Errorf("redis profile get: %w", err)
	}
	var p contracts.UserSafetyProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return contracts.UserSafetyProfile{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, nil
}

func (b *RedisBackend) Save(ctx context.Context, p contracts.UserSafetyProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+p.UserID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis profile set: %w", err)
	}
	return nil
}
