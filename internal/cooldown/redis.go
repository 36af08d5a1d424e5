package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "damaface:consultoria:cooldown:"

// RedisStore keeps cooldowns as expiring keys so every replica sees the same window.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Start(ctx context.Context, userID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisKey(userID), time.Now().Add(d).Unix(), d).Err(); err != nil {
		return fmt.Errorf("start cooldown: %w", err)
	}
	return nil
}

func (s *RedisStore) Remaining(ctx context.Context, userID string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, redisKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read cooldown: %w", err)
	}
	// -2 (missing) and -1 (no expiry) both mean no running window.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}
