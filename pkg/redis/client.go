// Package redis provides optional Redis-backed caches shared across gateway
// processes. The gateway runs fully without a server; callers must treat a
// nil *Client as "no cache".
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for gateway data
const (
	prefixTokenCache = "antigravity:token_cache:"
	keyLastSignature = "antigravity:signatures:last"
)

// Client wraps the Redis client with the gateway's cache operations
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetCachedToken stores an access token for an account with a TTL
func (c *Client) SetCachedToken(ctx context.Context, email, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, prefixTokenCache+email, token, ttl).Err()
}

// GetCachedToken retrieves a cached access token; empty when absent
func (c *Client) GetCachedToken(ctx context.Context, email string) (string, error) {
	result, err := c.rdb.Get(ctx, prefixTokenCache+email).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// ClearCachedToken drops the cached access token for an account
func (c *Client) ClearCachedToken(ctx context.Context, email string) error {
	return c.rdb.Del(ctx, prefixTokenCache+email).Err()
}
