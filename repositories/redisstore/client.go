// Package redisstore holds the TTL key-value store plumbing: the bounded
// client, and the identity directory kept in Redis hashes.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
)

// Client wraps the go-redis client with the process logger
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient parses the store URL, applies the configured timeouts and verifies connectivity.
// Every command inherits the read/write timeouts, so a stalled store surfaces as an error.
func NewClient(cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("connection", cfg.LogString()))

	return &Client{Client: rdb, logger: logger}, nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	c.logger.Info("closing redis connection")
	return c.Client.Close()
}

// HealthCheck pings the store with a short deadline
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
