package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the shared Redis connection used by the task queue and the
// feature-flag store and pub/sub channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens (and pings) a go-redis client, following the connection shape
// itsneelabh-gomind's orchestration package expects callers to pass in already-connected.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
