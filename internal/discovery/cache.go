package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// Cache keeps the last tool list seen for each server.
type Cache interface {
	Get(ctx context.Context, server string) ([]toolproto.ToolDefinition, bool, error)
	Put(ctx context.Context, server string, tools []toolproto.ToolDefinition) error
}

// MemoryCache is an in-process Cache without expiry.
type MemoryCache struct {
	mu    sync.RWMutex
	tools map[string][]toolproto.ToolDefinition
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{tools: make(map[string][]toolproto.ToolDefinition)}
}

func (c *MemoryCache) Get(_ context.Context, server string) ([]toolproto.ToolDefinition, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools, ok := c.tools[server]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(tools), true, nil
}

func (c *MemoryCache) Put(_ context.Context, server string, tools []toolproto.ToolDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[server] = slices.Clone(tools)
	return nil
}

const defaultKeyPrefix = "toolbroker:tools:"

// RedisCache stores tool lists in Redis as JSON, one key per server.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on client. A ttl of zero keeps entries
// until they are overwritten.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

func (c *RedisCache) key(server string) string { return c.prefix + server }

func (c *RedisCache) Get(ctx context.Context, server string) ([]toolproto.ToolDefinition, bool, error) {
	data, err := c.client.Get(ctx, c.key(server)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", server, err)
	}
	var tools []toolproto.ToolDefinition
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, false, fmt.Errorf("decode cached tools for %s: %w", server, err)
	}
	return tools, true, nil
}

func (c *RedisCache) Put(ctx context.Context, server string, tools []toolproto.ToolDefinition) error {
	if tools == nil {
		tools = []toolproto.ToolDefinition{}
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode tools for %s: %w", server, err)
	}
	if err := c.client.Set(ctx, c.key(server), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", server, err)
	}
	return nil
}

// NopCache stores nothing; Refresh then fails for any unreachable server.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]toolproto.ToolDefinition, bool, error) {
	return nil, false, nil
}

func (NopCache) Put(context.Context, string, []toolproto.ToolDefinition) error { return nil }
