package origin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tilepyramid/internal/coordinator"
	"tilepyramid/internal/tile"
)

// MetadataFetcher loads an image's descriptor from wherever it lives.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, collectionID, timestamp string) (*Descriptor, error)
}

// MetadataCache keeps descriptors after the first successful fetch. Concurrent
// lookups of the same image share one fetch.
type MetadataCache struct {
	fetcher MetadataFetcher
	locks   *coordinator.KeyLocks
	logger  *zap.Logger

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

func NewMetadataCache(fetcher MetadataFetcher, logger *zap.Logger) *MetadataCache {
	return &MetadataCache{
		fetcher:     fetcher,
		locks:       coordinator.NewKeyLocks(),
		logger:      logger,
		descriptors: make(map[string]*Descriptor),
	}
}

func (m *MetadataCache) Descriptor(ctx context.Context, collectionID, timestamp string) (*Descriptor, error) {
	key := tile.ImageKey(collectionID, timestamp)
	if d, ok := m.lookup(key); ok {
		return d, nil
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	if d, ok := m.lookup(key); ok {
		return d, nil
	}

	d, err := m.fetcher.FetchMetadata(ctx, collectionID, timestamp)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("bad metadata for %s: %w", key, err)
	}

	m.mu.Lock()
	m.descriptors[key] = d
	m.mu.Unlock()

	m.logger.Debug("Loaded image metadata",
		zap.String("image", key),
		zap.Int("width", d.Width),
		zap.Int("height", d.Height),
		zap.Int("max_level", d.MaxRLevel),
		zap.Int("bands", d.BandCount()),
	)
	return d, nil
}

// Pyramid implements tilecache.MetadataProvider.
func (m *MetadataCache) Pyramid(ctx context.Context, collectionID, timestamp string) (tile.Pyramid, error) {
	d, err := m.Descriptor(ctx, collectionID, timestamp)
	if err != nil {
		return tile.Pyramid{}, err
	}
	return d.Pyramid(), nil
}

// Invalidate forgets a descriptor so the next lookup refetches it.
func (m *MetadataCache) Invalidate(collectionID, timestamp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.descriptors, tile.ImageKey(collectionID, timestamp))
}

func (m *MetadataCache) lookup(key string) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[key]
	return d, ok
}

// Reset forgets every descriptor.
func (m *MetadataCache) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.descriptors)
}
