package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "default", opts: Options{}, want: "*storage.MemoryCache"},
		{name: "memory", opts: Options{Backend: "memory", MaxEntries: 10}, want: "*storage.MemoryCache"},
		{name: "sqlite", opts: Options{Backend: "SQLite", Path: filepath.Join(t.TempDir(), "c.db"), QuotaBytes: 1 << 20}, want: "*storage.SqliteCache"},
		{name: "redis", opts: Options{Backend: "redis", RedisURL: "redis://" + s.Addr()}, want: "*storage.RedisCache"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := Open(ctx, tt.opts, discardLogger())
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer cache.Close()

			if got := typeName(cache); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	ctx := context.Background()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	tests := []struct {
		name string
		opts Options
	}{
		{name: "sqlite", opts: Options{Backend: BackendSqlite, Path: filepath.Join(blocker, "c.db")}},
		{name: "redis", opts: Options{Backend: BackendRedis, RedisURL: "redis://127.0.0.1:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := Open(ctx, tt.opts, discardLogger())
			if err != nil {
				t.Fatalf("Open should fall back, got error: %v", err)
			}
			defer cache.Close()

			if _, ok := cache.(*MemoryCache); !ok {
				t.Fatalf("expected memory fallback, got %s", typeName(cache))
			}
			// The fallback is fully usable.
			if err := cache.Set(ctx, "a1", sampleBody("a1"), SetOptions{}); err != nil {
				t.Errorf("Set on fallback failed: %v", err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "indexeddb"}, discardLogger()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func typeName(c AnnotationCache) string {
	switch c.(type) {
	case *MemoryCache:
		return "*storage.MemoryCache"
	case *SqliteCache:
		return "*storage.SqliteCache"
	case *RedisCache:
		return "*storage.RedisCache"
	default:
		return "unknown"
	}
}
