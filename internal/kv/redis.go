package kv

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config addresses the Redis server.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Client wraps the go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Ping checks connectivity for health probes.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("redis client not initialized")
	}
	return c.inner.Ping(ctx).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
