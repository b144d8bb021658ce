package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/redis/go-redis/v9"
)

// Connect creates a Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
