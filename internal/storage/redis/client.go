package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch limits how many keys one SCAN iteration may return during
// prefix invalidation.
const scanBatch = 500

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// FromClient wraps an existing connection (shared with the push notifier).
func FromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Raw exposes the underlying connection for components that need Redis
// commands beyond the cache interface.
func (c *Client) Raw() *redis.Client {
	return c.cli
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.cli.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.cli.Del(ctx, keys...).Err()
}

// DeletePrefix walks keys via SCAN instead of KEYS to avoid blocking Redis.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := c.cli.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan %q: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := c.cli.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// FlushDB clears the current Redis database (cache reset in tests/restarts).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
