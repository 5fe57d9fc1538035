// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Cache backend selection and alias normalization

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	Archive ArchiveConfig
	Cache   CacheConfig
	Budget  BudgetConfig
}

// ArchiveConfig holds image-archive connection settings.
type ArchiveConfig struct {
	URL      string
	Token    string
	Timeout  time.Duration
	PageSize int
}

// CacheConfig holds annotation cache settings.
type CacheConfig struct {
	Backend    string
	Path       string
	RedisURL   string
	MaxEntries int
	TTL        time.Duration // 0 means entries never expire
	QuotaBytes int64         // 0 leaves the sqlite default
}

// BudgetConfig holds the point budget applied before rendering.
type BudgetConfig struct {
	MaxPointsPerElement int
	MaxTotalPoints      int
}

// Supported cache backends.
var backends = map[string]struct{}{
	"memory": {},
	"sqlite": {},
	"redis":  {},
}

// Backend aliases map to canonical names.
var backendAliases = map[string]string{
	"mem":     "memory",
	"sqlite3": "sqlite",
	"disk":    "sqlite",
}

const (
	defaultBackend   = "sqlite"
	defaultCachePath = ".annolayer/cache.db"
	defaultRedisURL  = "redis://localhost:6379/0"
)

// New creates settings, loading values from environment variables. backend
// overrides CACHE_BACKEND when non-empty.
// Returns an error if the backend is unknown or environment variables contain invalid values.
func New(backend string) (Settings, error) {
	if backend == "" {
		backend = getEnv("CACHE_BACKEND", defaultBackend)
	}
	backend = normalizeBackend(backend)
	if _, ok := backends[backend]; !ok {
		return Settings{}, fmt.Errorf("unknown cache backend: %q", backend)
	}

	timeoutSeconds, err := getEnvInt("ARCHIVE_TIMEOUT_SECONDS", 30)
	if err != nil {
		return Settings{}, err
	}

	pageSize, err := getEnvInt("ARCHIVE_PAGE_SIZE", 100)
	if err != nil {
		return Settings{}, err
	}
	if pageSize <= 0 {
		return Settings{}, fmt.Errorf("invalid value for ARCHIVE_PAGE_SIZE: must be positive, got %d", pageSize)
	}

	maxEntries, err := getEnvInt("CACHE_MAX_ENTRIES", 500)
	if err != nil {
		return Settings{}, err
	}

	ttlSeconds, err := getEnvInt("CACHE_TTL_SECONDS", 0)
	if err != nil {
		return Settings{}, err
	}

	quotaBytes, err := getEnvInt64("CACHE_QUOTA_BYTES", 0)
	if err != nil {
		return Settings{}, err
	}

	perElement, err := getEnvInt("MAX_POINTS_PER_ELEMENT", 10000)
	if err != nil {
		return Settings{}, err
	}

	total, err := getEnvInt("MAX_TOTAL_POINTS", 500000)
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		Archive: ArchiveConfig{
			URL:      strings.TrimRight(os.Getenv("ARCHIVE_URL"), "/"),
			Token:    os.Getenv("ARCHIVE_TOKEN"),
			Timeout:  time.Duration(timeoutSeconds) * time.Second,
			PageSize: pageSize,
		},
		Cache: CacheConfig{
			Backend:    backend,
			Path:       getEnv("CACHE_PATH", defaultCachePath),
			RedisURL:   getEnv("REDIS_URL", defaultRedisURL),
			MaxEntries: maxEntries,
			TTL:        time.Duration(ttlSeconds) * time.Second,
			QuotaBytes: quotaBytes,
		},
		Budget: BudgetConfig{
			MaxPointsPerElement: perElement,
			MaxTotalPoints:      total,
		},
	}, nil
}

// MustNew creates settings.
// Panics if the backend is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(backend string) Settings {
	settings, err := New(backend)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// RequireArchive returns an error when no archive URL is configured.
func (s Settings) RequireArchive() error {
	if s.Archive.URL == "" {
		return fmt.Errorf("ARCHIVE_URL environment variable not set")
	}
	return nil
}

// normalizeBackend converts backend aliases to canonical names.
func normalizeBackend(backend string) string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if canonical, ok := backendAliases[backend]; ok {
		return canonical
	}
	return backend
}

// SupportedBackends returns the supported cache backend names, sorted.
func SupportedBackends() []string {
	result := make([]string, 0, len(backends))
	for name := range backends {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}
