package cache

import (
	"fmt"
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultRasterTiles = 4096

// RasterCache holds decoded single-band tiles so cache hits never re-decode.
type RasterCache struct {
	cache *lru.Cache[string, image.Image]
}

func NewRasterCache(size int) (*RasterCache, error) {
	if size <= 0 {
		size = DefaultRasterTiles
	}

	c, err := lru.New[string, image.Image](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create raster cache: %w", err)
	}
	return &RasterCache{cache: c}, nil
}

func (c *RasterCache) Get(key string) (image.Image, bool) {
	return c.cache.Get(key)
}

func (c *RasterCache) Has(key string) bool {
	return c.cache.Contains(key)
}

func (c *RasterCache) Set(key string, img image.Image) {
	c.cache.Add(key, img)
}

func (c *RasterCache) Remove(key string) {
	c.cache.Remove(key)
}

func (c *RasterCache) Len() int {
	return c.cache.Len()
}

func (c *RasterCache) Clear() {
	c.cache.Purge()
}
