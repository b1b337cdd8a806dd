package source

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/factoryscout/factoryscout/config"
)

// FetchCache is a read-through cache for fetched page bodies so repeated
// runs within the TTL do not re-hit the same origins.
type FetchCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFetchCache(cfg config.RedisConfig) *FetchCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &FetchCache{rdb: rdb, ttl: cfg.TTL}
}

func (c *FetchCache) Get(ctx context.Context, url string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	v, err := c.rdb.Get(ctx, key(url)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *FetchCache) Set(ctx context.Context, url, body string) {
	if c == nil || c.rdb == nil {
		return
	}
	// cache misses are tolerated, cache write failures are too
	_ = c.rdb.Set(ctx, key(url), body, c.ttl).Err()
}

func (c *FetchCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func key(url string) string { return "factoryscout:fetch:" + url }
