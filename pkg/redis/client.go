// Package redis provides the Redis client used for agent configuration
// and agent notification
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// commander is the subset of go-redis commands the client issues
type commander interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Close() error
}

// Client wraps a Redis connection pool
type Client struct {
	cmd     commander
	address string
}

// New creates a new Redis client from a URL
func New(redisURL string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := &Client{
		cmd:     goredis.NewClient(opts),
		address: opts.Addr,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		logger.Log.Warn().Err(err).Str("address", opts.Addr).Msg("Redis connection test failed")
		// Don't fail - the pool reconnects on each command
	} else {
		logger.Log.Info().Str("address", opts.Addr).Msg("Redis connected")
	}

	return client, nil
}

// newWithCommander wraps an existing command set
func newWithCommander(cmd commander, address string) *Client {
	return &Client{cmd: cmd, address: address}
}

// Address returns the server address
func (c *Client) Address() string {
	return c.address
}

// HGet gets a hash field value. A missing field returns "" and no error.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.cmd.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// HGetAll gets every field of a hash
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.cmd.HGetAll(ctx, key).Result()
}

// HSet sets a hash field value
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.cmd.HSet(ctx, key, field, value).Err()
}

// HDel removes a hash field
func (c *Client) HDel(ctx context.Context, key, field string) error {
	return c.cmd.HDel(ctx, key, field).Err()
}

// Publish sends a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.cmd.Publish(ctx, channel, message).Err()
}

// Ping tests the connection
func (c *Client) Ping(ctx context.Context) error {
	result, err := c.cmd.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if result != "PONG" {
		return fmt.Errorf("unexpected PING response: %v", result)
	}
	return nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.cmd.Close()
}
