package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCache is a bounded in-process LRU of encoded tiles.
type MemoryCache struct {
	cache *lru.Cache[string, []byte]
}

// NewMemoryCache holds at most maxSize tiles, and at least one.
func NewMemoryCache(maxSize int) *MemoryCache {
	// lru.New only fails for a non-positive size.
	c, _ := lru.New[string, []byte](max(maxSize, 1))
	return &MemoryCache{cache: c}
}

func (c *MemoryCache) Has(key string) bool {
	return c.cache.Contains(key)
}

// Get marks the entry as recently used.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	return c.cache.Get(key)
}

func (c *MemoryCache) Set(key string, value []byte) {
	c.cache.Add(key, value)
}

func (c *MemoryCache) Remove(key string) {
	c.cache.Remove(key)
}

func (c *MemoryCache) Len() int {
	return c.cache.Len()
}

func (c *MemoryCache) Clear() {
	c.cache.Purge()
}
