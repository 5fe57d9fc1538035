package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a cache backend.
type Options struct {
	Backend    string
	Path       string // sqlite database file
	RedisURL   string
	MaxEntries int   // memory backend bound; also used for the fallback cache
	QuotaBytes int64 // sqlite page limit, raised to any saved grant; 0 keeps the SQLite default
}

// Open constructs the configured backend. When a sqlite or redis backend
// cannot be opened the failure is logged and a fresh MemoryCache is
// returned instead, so the viewer keeps working without persistence.
// Only an unknown backend name is an error.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (AnnotationCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(opts.Backend) {
	case BackendMemory, "":
		return NewMemoryCache(opts.MaxEntries), nil

	case BackendSqlite:
		cache, err := OpenSqliteCache(opts.Path)
		if err != nil {
			logger.Warn("persistent cache unavailable, using memory cache",
				"path", opts.Path, "error", err)
			return NewMemoryCache(opts.MaxEntries), nil
		}
		if err := cache.ApplyQuota(ctx, opts.QuotaBytes); err != nil {
			logger.Warn("failed to apply cache quota", "bytes", opts.QuotaBytes, "error", err)
		}
		return cache, nil

	case BackendRedis:
		cache, err := NewRedisCache(ctx, opts.RedisURL)
		if err != nil {
			logger.Warn("redis cache unavailable, using memory cache", "error", err)
			return NewMemoryCache(opts.MaxEntries), nil
		}
		return cache, nil

	default:
		return nil, fmt.Errorf("unknown cache backend: %q", opts.Backend)
	}
}
