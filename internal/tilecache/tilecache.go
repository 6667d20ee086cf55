// Package tilecache serves decoded single-band tiles from a decoded tier and an
// encoded tier, fetching from the origin through the coordinator on a miss.
//
// Data that cannot be fetched or decoded is retried a bounded number of times
// and then replaced by a black placeholder, which is cached like real data so
// a broken origin address is not fetched again. Callers never see origin or
// decode errors.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"tilepyramid/internal/cache"
	"tilepyramid/internal/coordinator"
	"tilepyramid/internal/metrics"
	"tilepyramid/internal/tile"
)

const DefaultAttempts = 3

// Origin fetches encoded tile bytes. It returns an error wrapping
// tile.ErrOriginNotFound when the origin has no data for the address.
type Origin interface {
	FetchTile(ctx context.Context, addr tile.Address) ([]byte, error)
}

// MetadataProvider describes the pyramid of an image.
type MetadataProvider interface {
	Pyramid(ctx context.Context, collectionID, timestamp string) (tile.Pyramid, error)
}

type Config struct {
	Bytes        cache.Cache
	Rasters      *cache.RasterCache
	Origin       Origin
	Metadata     MetadataProvider
	Coordinator  *coordinator.Coordinator
	Codec        Codec
	Attempts     int
	// FetchTimeout bounds each origin attempt. Zero leaves attempts bounded
	// only by the task's context.
	FetchTimeout time.Duration
}

// Status reports where a key currently lives.
type Status struct {
	Key       string `json:"key"`
	InProcess bool   `json:"inProcess"`
	Decoded   bool   `json:"decoded"`
	Encoded   bool   `json:"encoded"`
}

type TileCache struct {
	bytes    cache.Cache
	rasters  *cache.RasterCache
	origin   Origin
	meta     MetadataProvider
	coord    *coordinator.Coordinator
	codec        Codec
	attempts     int
	fetchTimeout time.Duration
	locks        *coordinator.KeyLocks
	logger       *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *TileCache {
	codec := cfg.Codec
	if codec == nil {
		codec = ImageCodec{}
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	return &TileCache{
		bytes:    cfg.Bytes,
		rasters:  cfg.Rasters,
		origin:   cfg.Origin,
		meta:     cfg.Metadata,
		coord:    cfg.Coordinator,
		codec:        codec,
		attempts:     attempts,
		fetchTimeout: cfg.FetchTimeout,
		locks:        coordinator.NewKeyLocks(),
		logger:       logger,
	}
}

// GetTileBand returns the decoded raster for addr. In non-blocking mode a miss
// schedules a fetch and returns (nil, false, nil); poll again later. In
// blocking mode the call waits for the fetch. Only an invalid address, a
// metadata failure or cancellation of ctx produce an error.
func (c *TileCache) GetTileBand(ctx context.Context, addr tile.Address, blocking bool) (image.Image, bool, error) {
	pyr, err := c.pyramidFor(ctx, addr)
	if err != nil {
		return nil, false, err
	}

	key := addr.Key()
	if img, ok := c.rasters.Get(key); ok {
		metrics.RasterCacheHits.Inc()
		return img, true, nil
	}

	// Whoever holds the key is already producing it; don't wait on them here.
	if unlock, ok := c.locks.TryLock(key); ok {
		img, hit := c.fromCachedBytes(addr, pyr)
		unlock()
		if hit {
			return img, true, nil
		}
	}
	metrics.CacheMisses.Inc()

	handle, err := c.schedule(addr, pyr, coordinator.PriorityDefault)
	if err != nil {
		return nil, false, err
	}
	if !blocking {
		return nil, false, nil
	}

	value, err := handle.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		c.logger.Warn("Tile fetch failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}

	// The decoded tier may already have evicted it; the task's result is the
	// same raster.
	if img, ok := c.rasters.Get(key); ok {
		return img, true, nil
	}
	if img, ok := value.(image.Image); ok && img != nil {
		return img, true, nil
	}
	return nil, false, nil
}

// Prefetch schedules a background fetch unless addr is already cached or in
// flight.
func (c *TileCache) Prefetch(ctx context.Context, addr tile.Address) error {
	pyr, err := c.pyramidFor(ctx, addr)
	if err != nil {
		return err
	}
	if c.rasters.Has(addr.Key()) {
		return nil
	}
	_, err = c.schedule(addr, pyr, coordinator.PriorityBackground)
	return err
}

func (c *TileCache) IsFetchInProgress(key string) bool {
	return c.coord.IsInProcess(key)
}

func (c *TileCache) Status(key string) Status {
	return Status{
		Key:       key,
		InProcess: c.coord.IsInProcess(key),
		Decoded:   c.rasters.Has(key),
		Encoded:   c.bytes.Has(key),
	}
}

// Evict drops key from both tiers. A fetch in flight is not interrupted and
// will repopulate the key when it completes.
func (c *TileCache) Evict(key string) {
	unlock := c.locks.Lock(key)
	defer unlock()

	c.rasters.Remove(key)
	c.bytes.Remove(key)
}

func (c *TileCache) pyramidFor(ctx context.Context, addr tile.Address) (tile.Pyramid, error) {
	pyr, err := c.meta.Pyramid(ctx, addr.CollectionID, addr.Timestamp)
	if err != nil {
		return tile.Pyramid{}, fmt.Errorf("failed to load metadata for %s: %w", addr.ImageKey(), err)
	}
	if err := pyr.Validate(addr); err != nil {
		return tile.Pyramid{}, err
	}
	return pyr, nil
}

func (c *TileCache) schedule(addr tile.Address, pyr tile.Pyramid, priority coordinator.Priority) (*coordinator.Handle, error) {
	key := addr.Key()
	return c.coord.Submit(key, func(ctx context.Context) (any, error) {
		unlock := c.locks.Lock(key)
		defer unlock()

		return c.load(ctx, addr, pyr), nil
	}, priority)
}

// fromCachedBytes decodes an encoded-tier hit without touching the origin.
// Must be called with the key held.
func (c *TileCache) fromCachedBytes(addr tile.Address, pyr tile.Pyramid) (image.Image, bool) {
	key := addr.Key()
	if img, ok := c.rasters.Get(key); ok {
		metrics.RasterCacheHits.Inc()
		return img, true
	}

	data, ok := c.bytes.Get(key)
	if !ok {
		return nil, false
	}
	metrics.ByteCacheHits.Inc()

	img, err := c.decode(addr, pyr, data)
	if err != nil {
		c.discard(key, err)
		return nil, false
	}
	c.rasters.Set(key, img)
	return img, true
}

// load runs check cache, fetch, decode, validate and store for one key. Must
// be called with the key held. Once the task's context is done no further
// attempt is made and the placeholder is substituted.
func (c *TileCache) load(ctx context.Context, addr tile.Address, pyr tile.Pyramid) image.Image {
	key := addr.Key()
	if img, ok := c.rasters.Get(key); ok {
		return img
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		data, err := c.encoded(ctx, addr)
		if err != nil {
			lastErr = err
			c.logger.Debug("Tile fetch attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		img, err := c.decode(addr, pyr, data)
		if err != nil {
			lastErr = err
			c.discard(key, err)
			continue
		}

		c.rasters.Set(key, img)
		return img
	}

	return c.substitute(addr, pyr, lastErr)
}

// encoded returns the encoded tier's bytes, fetching from the origin and
// storing the result on a miss.
func (c *TileCache) encoded(ctx context.Context, addr tile.Address) ([]byte, error) {
	key := addr.Key()
	if data, ok := c.bytes.Get(key); ok {
		metrics.ByteCacheHits.Inc()
		return data, nil
	}

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := c.origin.FetchTile(fetchCtx, addr)
	metrics.OriginLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, tile.ErrOriginNotFound):
		metrics.OriginFetches.WithLabelValues("not_found").Inc()
		return nil, err
	case err != nil:
		metrics.OriginFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.OriginFetches.WithLabelValues("ok").Inc()

	c.bytes.Set(key, data)
	return data, nil
}

func (c *TileCache) decode(addr tile.Address, pyr tile.Pyramid, data []byte) (image.Image, error) {
	img, err := c.codec.Decode(data)
	if err != nil {
		return nil, err
	}

	wantW, wantH := pyr.TileSize(addr)
	b := img.Bounds()
	if channels := Channels(img); b.Dx() != wantW || b.Dy() != wantH || channels != 1 {
		return nil, &tile.ValidationError{
			Key:          addr.Key(),
			Width:        b.Dx(),
			Height:       b.Dy(),
			Channels:     channels,
			WantW:        wantW,
			WantH:        wantH,
			WantChannels: 1,
		}
	}
	return img, nil
}

func (c *TileCache) discard(key string, err error) {
	metrics.DecodeFailures.Inc()
	c.bytes.Remove(key)
	c.logger.Warn("Discarding unusable tile data", zap.String("key", key), zap.Error(err))
}

// substitute stores and returns a placeholder in place of data that could not
// be obtained.
func (c *TileCache) substitute(addr tile.Address, pyr tile.Pyramid, cause error) image.Image {
	key := addr.Key()
	w, h := pyr.TileSize(addr)
	img := Placeholder(w, h, pyr.BitDepth)

	if data, err := c.codec.Encode(img); err != nil {
		c.logger.Error("Failed to encode placeholder", zap.String("key", key), zap.Error(err))
	} else {
		c.bytes.Set(key, data)
	}
	c.rasters.Set(key, img)

	metrics.Placeholders.Inc()
	c.logger.Error("Substituted placeholder tile",
		zap.String("key", key),
		zap.Int("attempts", c.attempts),
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Error(cause),
	)
	return img
}
