package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time
}

type Client struct {
	mu    sync.RWMutex
	items map[string]item
}

func New() *Client {
	return &Client{items: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if time.Now().After(v.exp) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return v.val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{val: value, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}
