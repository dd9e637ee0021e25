package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProgressStore keeps live batch progress and cancellation flags in
// Redis so the API can answer progress queries without touching MySQL.
type RedisProgressStore struct {
	client *redis.Client
}

func NewRedisProgressStore(client *redis.Client) *RedisProgressStore {
	return &RedisProgressStore{client: client}
}

const progressTTL = 24 * time.Hour

func progressKey(batchID string) string { return fmt.Sprintf("import:progress:%s", batchID) }
func cancelKey(batchID string) string   { return fmt.Sprintf("import:cancel:%s", batchID) }

func (s *RedisProgressStore) SetProgress(ctx context.Context, batchID string, done, total int) error {
	return s.client.Set(ctx, progressKey(batchID), fmt.Sprintf("%d/%d", done, total), progressTTL).Err()
}

// GetProgress returns "done/total" or "" when no progress was recorded.
func (s *RedisProgressStore) GetProgress(ctx context.Context, batchID string) (string, error) {
	val, err := s.client.Get(ctx, progressKey(batchID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *RedisProgressStore) RequestCancel(ctx context.Context, batchID string) error {
	return s.client.Set(ctx, cancelKey(batchID), "1", progressTTL).Err()
}

func (s *RedisProgressStore) IsCancelled(ctx context.Context, batchID string) (bool, error) {
	_, err := s.client.Get(ctx, cancelKey(batchID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
