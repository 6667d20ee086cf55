package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Port          int    `env:"PORT" envDefault:"8080"`
		DataDir       string `env:"DATA_DIR" envDefault:"/data"`
		LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
		AllowedOrigin string `env:"ALLOWED_ORIGIN"`
		UploadToken   string `env:"UPLOAD_TOKEN"`
		MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"4294967296"` // 4GB
		WarmupLevels  int    `env:"WARMUP_LEVELS" envDefault:"1"`

		Fetch     Fetch
		Cache     Cache
		Origin    Origin
		Vips      Vips      `envPrefix:"VIPS_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	Fetch struct {
		Workers int           `env:"FETCH_WORKERS" envDefault:"12"`
		Timeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`
		Retries int           `env:"FETCH_RETRIES" envDefault:"3"`
	}

	Cache struct {
		Type        string        `env:"CACHE" envDefault:"memory"`
		MemoryTiles int           `env:"CACHE_MEMORY_TILES" envDefault:"2000"`
		FileDir     string        `env:"CACHE_FILE_DIR"`
		BigCacheMB  int           `env:"CACHE_BIGCACHE_MB" envDefault:"512"`
		BigCacheTTL time.Duration `env:"CACHE_BIGCACHE_TTL" envDefault:"24h"`
		SQLitePath  string        `env:"CACHE_SQLITE_PATH"`
		RasterTiles int           `env:"RASTER_CACHE_TILES" envDefault:"4096"`
		Redis       Redis         `envPrefix:"REDIS_"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD"`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Origin struct {
		Kind     string `env:"ORIGIN" envDefault:"local"`
		Endpoint string `env:"ORIGIN_ENDPOINT"`
		APIKey   string `env:"ORIGIN_API_KEY"`
		Username string `env:"ORIGIN_USERNAME"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	Telemetry struct {
		Enabled      bool   `env:"ENABLED" envDefault:"false"`
		ServiceName  string `env:"SERVICE_NAME" envDefault:"tilepyramid"`
		OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}
)

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// The .env file is optional; a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Cache.FileDir == "" {
		cfg.Cache.FileDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = filepath.Join(cfg.DataDir, "tiles.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Cache.Type {
	case "memory", "file", "bigcache", "redis", "sqlite", "disabled":
	default:
		return fmt.Errorf("invalid CACHE %q", c.Cache.Type)
	}

	switch c.Origin.Kind {
	case "local":
	case "http":
		if c.Origin.Endpoint == "" {
			return fmt.Errorf("ORIGIN_ENDPOINT is required for the http origin")
		}
	default:
		return fmt.Errorf("invalid ORIGIN %q", c.Origin.Kind)
	}

	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be positive, got %d", c.Fetch.Workers)
	}
	if c.Fetch.Retries <= 0 {
		return fmt.Errorf("FETCH_RETRIES must be positive, got %d", c.Fetch.Retries)
	}
	return nil
}

// TaskTimeout bounds a whole tile task: every fetch attempt plus one more
// timeout of slack for decoding and cache writes.
func (f Fetch) TaskTimeout() time.Duration {
	return f.Timeout * time.Duration(f.Retries+1)
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}
