package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options selects and sizes a byte cache backend.
type Options struct {
	Type        string
	MemoryTiles int
	FileDir     string
	BigCacheMB  int
	BigCacheTTL time.Duration
	Redis       RedisConfig
	SQLitePath  string
}

// NewCache creates a cache instance based on the cache type
func NewCache(opts Options, log *zap.Logger) (Cache, error) {
	switch opts.Type {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_tiles", opts.MemoryTiles))
		return NewMemoryCache(opts.MemoryTiles), nil
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", opts.FileDir))
		return NewFileCache(opts.FileDir)
	case "bigcache":
		log.Info("Using bigcache", zap.Int("max_mb", opts.BigCacheMB), zap.Duration("ttl", opts.BigCacheTTL))
		return NewBigCache(BigCacheConfig{SizeMB: opts.BigCacheMB, TTL: opts.BigCacheTTL}, log)
	case "redis":
		log.Info("Using redis cache", zap.String("addr", opts.Redis.Addr), zap.Duration("ttl", opts.Redis.TTL))
		return NewRedisCache(opts.Redis, log)
	case "sqlite":
		log.Info("Using sqlite cache", zap.String("path", opts.SQLitePath))
		return NewSQLiteCache(opts.SQLitePath, log)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, bigcache, redis, sqlite, disabled)", opts.Type)
	}
}
