package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteCache persists encoded tiles in a single sqlite table.
type SQLiteCache struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteCache(path string, log *zap.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite cache: %w", err)
	}

	c := &SQLiteCache{
		db:     db,
		logger: log,
	}

	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite cache: %w", err)
	}

	log.Info("sqlite cache initialized", zap.String("path", path))

	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.Up(c.db, "migrations")
}

func (c *SQLiteCache) Get(key string) ([]byte, bool) {
	query := `SELECT tile_data
	FROM tile_cache
	WHERE tile_key = ?`

	var tileData []byte
	err := c.db.QueryRow(query, key).Scan(&tileData)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Error("sqlite cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	return tileData, true
}

func (c *SQLiteCache) Set(key string, value []byte) {
	query := `INSERT INTO tile_cache (tile_key, tile_data)
	VALUES (?, ?)
	ON CONFLICT(tile_key) DO UPDATE SET tile_data = excluded.tile_data, created_at = CURRENT_TIMESTAMP`

	if _, err := c.db.Exec(query, key, value); err != nil {
		c.logger.Error("sqlite cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *SQLiteCache) Has(key string) bool {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM tile_cache WHERE tile_key = ?`, key).Scan(&one)
	return err == nil
}

func (c *SQLiteCache) Remove(key string) {
	if _, err := c.db.Exec(`DELETE FROM tile_cache WHERE tile_key = ?`, key); err != nil {
		c.logger.Error("sqlite cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *SQLiteCache) Clear() {
	if _, err := c.db.Exec(`DELETE FROM tile_cache`); err != nil {
		c.logger.Error("sqlite cache clear failed", zap.Error(err))
	}
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
