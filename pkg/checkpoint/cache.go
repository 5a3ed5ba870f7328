package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graphsmith/graphsmith/pkg/config"
)

const cacheKeyPrefix = "checkpoint:"

// Cache is a Redis read hint over checkpoint rows. SQLite stays authoritative:
// cache failures are logged and swallowed, never surfaced to callers. A nil
// *Cache disables caching, so every method tolerates a nil receiver.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache dials Redis for the checkpoint read cache. Returns (nil, nil) when
// the cache is disabled by configuration.
func NewCache(ctx context.Context, redisCfg *config.RedisConfig, cacheCfg *config.CacheConfig, timeouts *config.TimeoutRegistry, logger *slog.Logger) (*Cache, error) {
	if cacheCfg == nil || !cacheCfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if redisCfg.Password != "" {
		opts.Password = redisCfg.Password
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.Get(config.CategoryQueue, config.TimeoutConnect))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &Cache{
		client: client,
		ttl:    cacheCfg.TTL,
		logger: logger.With("component", "checkpoint_cache"),
	}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Put stores cp under checkpoint:<id> with the configured TTL.
func (c *Cache) Put(ctx context.Context, cp *Checkpoint) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		c.logger.Warn("Failed to encode checkpoint for cache", "checkpoint_id", cp.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(cp.ID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache checkpoint", "checkpoint_id", cp.ID, "error", err)
	}
}

// Get returns the cached checkpoint, or nil on a miss. Undecodable entries
// are dropped so the next read falls through to SQLite.
func (c *Cache) Get(ctx context.Context, id int64) *Checkpoint {
	if c == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Checkpoint cache read failed", "checkpoint_id", id, "error", err)
		}
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		c.logger.Warn("Dropping undecodable checkpoint cache entry", "checkpoint_id", id, "error", err)
		_ = c.client.Del(ctx, cacheKey(id)).Err()
		return nil
	}
	return &cp
}

// Evict drops cache entries for the given checkpoint ids.
func (c *Cache) Evict(ctx context.Context, ids ...int64) {
	if c == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Checkpoint cache eviction failed", "keys", len(keys), "error", err)
	}
}

func cacheKey(id int64) string {
	return cacheKeyPrefix + strconv.FormatInt(id, 10)
}
