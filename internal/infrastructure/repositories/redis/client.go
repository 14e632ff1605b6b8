package redis

import (
	"context"
	"fmt"
	"time"

	"huddle/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// Connect opens a pool against the configured server and brings the key
// schema up to date. The caller owns the returned client.
func Connect(cfg *config.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  connectTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err == nil {
		err = Migrate(ctx, client, logger)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Address, err)
	}

	logger.Infow("connected to Redis",
		"address", cfg.Redis.Address,
		"db", cfg.Redis.DB,
		"pool_size", cfg.Redis.PoolSize,
	)
	return client, nil
}
