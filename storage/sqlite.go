// Package storage provides SQLite annotation caching.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema details encapsulated
// - A single connection serializes operations, so each call is atomic and
//   the per-connection page quota applies to every write

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/richinex/annolayer/model"
)

// SqliteCache implements AnnotationCache on a SQLite database file, so bodies
// survive restarts of the viewer. There is no entry-count bound; growth is
// limited by the page quota (see QuotaReporter).
type SqliteCache struct {
	db       *sql.DB
	counters counters
	now      func() time.Time
}

// OpenSqliteCache opens or creates a cache database at the given path.
// Creates parent directories if they don't exist. A failed open leaves
// nothing behind to reuse; callers construct a fresh cache on retry.
func OpenSqliteCache(path string) (*SqliteCache, error) {
	// Create parent directory if needed
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return openSqlite(path)
}

// NewSqliteInMemoryCache creates an in-memory database (useful for testing).
func NewSqliteInMemoryCache() (*SqliteCache, error) {
	return openSqlite(":memory:")
}

func openSqlite(dsn string) (*SqliteCache, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and so is
	// PRAGMA max_page_count.
	db.SetMaxOpenConns(1)

	cache := &SqliteCache{db: db, now: time.Now}
	if err := cache.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return cache, nil
}

// Close closes the database connection.
func (c *SqliteCache) Close() error {
	return c.db.Close()
}

func (c *SqliteCache) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS annotation_cache (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			expires_at INTEGER,
			version_hash TEXT
		);

		CREATE TABLE IF NOT EXISTS cache_meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Get returns the cached body when present, unexpired and matching.
func (c *SqliteCache) Get(ctx context.Context, id string, versionHash string) (*model.AnnotationBody, error) {
	entry, ok, err := c.lookup(ctx, id, versionHash, true)
	if err != nil {
		return nil, err
	}
	c.counters.record(ok)
	if !ok {
		return nil, nil
	}
	return entry.Data, nil
}

// Has reports whether a matching, unexpired entry exists without decoding it.
func (c *SqliteCache) Has(ctx context.Context, id string, versionHash string) (bool, error) {
	_, ok, err := c.lookup(ctx, id, versionHash, false)
	return ok, err
}

func (c *SqliteCache) lookup(ctx context.Context, id string, versionHash string, withData bool) (CacheEntry, bool, error) {
	var (
		data      []byte
		storedAt  int64
		expiresAt sql.NullInt64
		hash      sql.NullString
	)

	query := "SELECT stored_at, expires_at, version_hash FROM annotation_cache WHERE id = ?"
	dest := []any{&storedAt, &expiresAt, &hash}
	if withData {
		query = "SELECT stored_at, expires_at, version_hash, data FROM annotation_cache WHERE id = ?"
		dest = append(dest, &data)
	}

	err := c.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := CacheEntry{
		StoredAt:    time.UnixMilli(storedAt),
		VersionHash: hash.String,
	}
	if expiresAt.Valid {
		exp := time.UnixMilli(expiresAt.Int64)
		entry.ExpiresAt = &exp
	}

	if entry.expired(c.now()) || !entry.matches(versionHash) {
		if err := c.evict(ctx, id, storedAt, expiresAt, hash); err != nil {
			return CacheEntry{}, false, err
		}
		return CacheEntry{}, false, nil
	}

	if withData {
		var body model.AnnotationBody
		if err := json.Unmarshal(data, &body); err != nil {
			return CacheEntry{}, false, fmt.Errorf("failed to decode cache entry %q: %w", id, err)
		}
		entry.Data = &body
	}
	return entry, true, nil
}

// evict deletes the row for id only if it is still the one that was read.
// stored_at has millisecond resolution, so the remaining columns must match
// too or an overwrite within the same millisecond would be removed.
func (c *SqliteCache) evict(ctx context.Context, id string, storedAt int64, expiresAt sql.NullInt64, hash sql.NullString) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM annotation_cache
		WHERE id = ? AND stored_at = ? AND expires_at IS ? AND version_hash IS ?`,
		id, storedAt, expiresAt, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to evict cache entry: %w", err)
	}
	return nil
}

// Set inserts or replaces the entry for id in a single statement, so a
// rejected write (for example SQLITE_FULL) leaves the previous row intact.
func (c *SqliteCache) Set(ctx context.Context, id string, body *model.AnnotationBody, opts SetOptions) error {
	if body == nil {
		return ErrNilBody
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	entry := newEntry(nil, opts, c.now())

	// Convert empty values to NULL for optional fields
	var expiresAt, hash interface{}
	if entry.ExpiresAt != nil {
		expiresAt = entry.ExpiresAt.UnixMilli()
	}
	if entry.VersionHash != "" {
		hash = entry.VersionHash
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO annotation_cache (id, data, stored_at, expires_at, version_hash)
		VALUES (?, ?, ?, ?, ?)`,
		id, data, entry.StoredAt.UnixMilli(), expiresAt, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for id.
func (c *SqliteCache) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM annotation_cache WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes all entries and resets counters.
func (c *SqliteCache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM annotation_cache")
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.counters.reset()
	return nil
}

// Stats reports the number of rows, including not yet evicted expired ones.
func (c *SqliteCache) Stats(ctx context.Context) (Stats, error) {
	var count int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM annotation_cache").Scan(&count)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return c.counters.stats(count), nil
}

// Verify SqliteCache implements AnnotationCache
var _ AnnotationCache = (*SqliteCache)(nil)
