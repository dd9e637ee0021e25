package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campus-import/internal/config"
)

// NewRedis connects the client backing commit progress and cancellation
// flags. The ping makes a bad address fail at startup, not mid-commit.
func NewRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.GetRedisAddr(), err)
	}

	return client, nil
}
