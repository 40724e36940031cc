// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certmail-app/certmail/internal/config"
)

// NewRedisClient builds a client without verifying connectivity. The
// delivery worker uses it so a broker outage at startup lands in its
// reconnect loop instead of aborting the process.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// OpenRedis connects to Redis and verifies the connection with a ping.
// Redis backs the rate-limit windows, verification sessions, the stats
// cache, and the email delivery queue.
func OpenRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}
