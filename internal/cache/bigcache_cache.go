package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

// BigCache is a sharded in-process byte cache with TTL eviction.
type BigCache struct {
	cache  *bigcache.BigCache
	logger *zap.Logger
}

type BigCacheConfig struct {
	SizeMB int
	TTL    time.Duration
}

func NewBigCache(cfg BigCacheConfig, log *zap.Logger) (*BigCache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	bcConfig := bigcache.DefaultConfig(ttl)
	bcConfig.Shards = 1024
	bcConfig.CleanWindow = ttl / 2
	bcConfig.MaxEntrySize = 256 * 1024
	bcConfig.HardMaxCacheSize = cfg.SizeMB
	bcConfig.Verbose = false

	bc, err := bigcache.New(context.Background(), bcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigcache: %w", err)
	}

	return &BigCache{cache: bc, logger: log}, nil
}

func (c *BigCache) Get(key string) ([]byte, bool) {
	data, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.Warn("bigcache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (c *BigCache) Set(key string, value []byte) {
	if err := c.cache.Set(key, value); err != nil {
		c.logger.Warn("bigcache set failed", zap.String("key", key), zap.Int("bytes", len(value)), zap.Error(err))
	}
}

func (c *BigCache) Has(key string) bool {
	_, err := c.cache.Get(key)
	return err == nil
}

func (c *BigCache) Remove(key string) {
	if err := c.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.logger.Warn("bigcache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *BigCache) Clear() {
	if err := c.cache.Reset(); err != nil {
		c.logger.Warn("bigcache reset failed", zap.Error(err))
	}
}

func (c *BigCache) Close() error {
	return c.cache.Close()
}
