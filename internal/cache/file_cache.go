package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"tilepyramid/internal/tile"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{collectionId}/{timestamp}/{level}/{column}_{row}_{band}.bin
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

// buildFilePath builds file path from tile key. Keys that are not tile keys,
// or whose parts could escape the cache directory, are hashed instead.
func (c *FileCache) buildFilePath(key string) string {
	addr, err := tile.ParseKey(key)
	if err != nil || !safeSegment(addr.CollectionID) || !safeSegment(addr.Timestamp) {
		name := strconv.FormatUint(xxhash.Sum64String(key), 16) + ".bin"
		return filepath.Join(c.cacheDir, "_other", name)
	}

	dir := filepath.Join(c.cacheDir, addr.CollectionID, addr.Timestamp, strconv.Itoa(addr.Level))
	fileName := fmt.Sprintf("%d_%d_%d.bin", addr.Column, addr.Row, addr.Band)
	return filepath.Join(dir, fileName)
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && filepath.Base(s) == s
}

func (c *FileCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (c *FileCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

func (c *FileCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	os.Remove(c.buildFilePath(key))
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}
