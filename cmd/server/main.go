package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilepyramid/internal/assembler"
	"tilepyramid/internal/cache"
	"tilepyramid/internal/config"
	"tilepyramid/internal/coordinator"
	httphandlers "tilepyramid/internal/http"
	"tilepyramid/internal/image_list"
	"tilepyramid/internal/logger"
	"tilepyramid/internal/origin"
	"tilepyramid/internal/telemetry"
	"tilepyramid/internal/tile"
	"tilepyramid/internal/tilecache"
)

type source interface {
	tilecache.Origin
	origin.MetadataFetcher
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024,
		VectorEnabled:    true,
	})
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)

	log.Info("Starting tile server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("origin", cfg.Origin.Kind),
		zap.String("cache", cfg.Cache.Type),
	)

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	var src source
	switch cfg.Origin.Kind {
	case "http":
		src = origin.NewHTTPSource(origin.HTTPConfig{
			Endpoint: cfg.Origin.Endpoint,
			APIKey:   cfg.Origin.APIKey,
			Username: cfg.Origin.Username,
			Timeout:  cfg.Fetch.Timeout,
		}, log)
	default:
		src = origin.NewLocalSource(scanner, log)
	}
	metadata := origin.NewMetadataCache(src, log)

	go func() {
		onChange := func() {
			if err := scanner.Scan(); err != nil {
				log.Warn("Rescan failed", zap.Error(err))
			}
			metadata.Reset()
		}
		if err := scanner.Watch(ctx, onChange); err != nil {
			log.Warn("Data directory watch stopped", zap.Error(err))
		}
	}()

	store, err := cache.NewCache(cache.Options{
		Type:        cfg.Cache.Type,
		MemoryTiles: cfg.Cache.MemoryTiles,
		FileDir:     cfg.Cache.FileDir,
		BigCacheMB:  cfg.Cache.BigCacheMB,
		BigCacheTTL: cfg.Cache.BigCacheTTL,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TTL:      cfg.Cache.Redis.TTL,
		},
		SQLitePath: cfg.Cache.SQLitePath,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	rasters, err := cache.NewRasterCache(cfg.Cache.RasterTiles)
	if err != nil {
		log.Fatal("Failed to initialize raster cache", zap.Error(err))
	}

	coord := coordinator.New(coordinator.Options{Workers: cfg.Fetch.Workers, TaskTimeout: cfg.Fetch.TaskTimeout()}, log)

	tiles := tilecache.New(tilecache.Config{
		Bytes:        store,
		Rasters:      rasters,
		Origin:       src,
		Metadata:     metadata,
		Coordinator:  coord,
		Attempts:     cfg.Fetch.Retries,
		FetchTimeout: cfg.Fetch.Timeout,
	}, log)
	asm := assembler.New(tiles, log)

	handlers := httphandlers.New(cfg, log, scanner, metadata, tiles, asm)

	if cfg.WarmupLevels > 0 && cfg.Origin.Kind != "http" {
		go warmupTiles(ctx, cfg.WarmupLevels, scanner, tiles, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: httphandlers.NewRouter(handlers),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("Fetches still running at shutdown", zap.Error(err))
	}
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Failed to close cache", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles queues background fetches for the coarsest levels of every
// local image so the first views are served from cache.
func warmupTiles(ctx context.Context, levels int, scanner *image_list.Scanner, tiles *tilecache.TileCache, log *zap.Logger) {
	images := scanner.GetImages()
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))

	queued := 0
	for _, img := range images {
		pyr := origin.DescriptorFor(&img).Pyramid()
		base := tile.Address{CollectionID: origin.LocalCollection, Timestamp: img.ID}
		for level := pyr.MaxLevel; level >= 0 && level > pyr.MaxLevel-levels; level-- {
			for band := 0; band < min(pyr.Bands, 3); band++ {
				for _, addr := range pyr.TilesAt(base, level, band) {
					if ctx.Err() != nil {
						return
					}
					if err := tiles.Prefetch(ctx, addr); err != nil {
						log.Debug("Warmup prefetch failed", zap.String("key", addr.Key()), zap.Error(err))
						continue
					}
					queued++
				}
			}
		}
	}

	log.Info("Tile warmup queued", zap.Int("tiles", queued))
}
