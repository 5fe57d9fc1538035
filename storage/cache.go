// Package storage provides the annotation body cache.
//
// Information Hiding:
// - Backend implementation details hidden behind AnnotationCache
// - Allows swapping between memory, SQLite and Redis without API changes
// - Each backend encapsulates its own expiry and eviction bookkeeping
//
// The cache is an optimization. Callers treat every error as "not cached".

package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/richinex/annolayer/model"
)

// ErrNilBody is returned by Set when no body is supplied.
var ErrNilBody = errors.New("storage: nil annotation body")

// AnnotationCache stores annotation bodies keyed by normalized identifier and
// validated against a version hash. Every method completes atomically from
// the caller's perspective and is safe for concurrent use.
type AnnotationCache interface {
	// Get returns the cached body, or nil when absent, expired, or (when
	// versionHash is non-empty) stored under a different hash. Expired and
	// stale entries are evicted as a side effect.
	Get(ctx context.Context, id string, versionHash string) (*model.AnnotationBody, error)

	// Set inserts or overwrites the entry for id.
	Set(ctx context.Context, id string, body *model.AnnotationBody, opts SetOptions) error

	// Has reports whether Get would return a body, with the same eviction
	// side effects.
	Has(ctx context.Context, id string, versionHash string) (bool, error)

	// Delete removes a single entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Stats reports size and hit counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close() error
}

// SetOptions configures a cache write.
type SetOptions struct {
	// TTL bounds the entry's lifetime. Nil means no expiry; a non-positive
	// duration stores an already expired entry.
	TTL *time.Duration
	// VersionHash replaces any previously stored hash. Empty clears it.
	VersionHash string
}

// TTL is a convenience for building SetOptions.TTL.
func TTL(d time.Duration) *time.Duration {
	return &d
}

// CacheEntry is the stored record for one annotation.
type CacheEntry struct {
	Data        *model.AnnotationBody `json:"data"`
	StoredAt    time.Time             `json:"stored_at"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	VersionHash string                `json:"version_hash,omitempty"`
}

// newEntry builds an entry stamped with now.
func newEntry(body *model.AnnotationBody, opts SetOptions, now time.Time) CacheEntry {
	entry := CacheEntry{
		Data:        body,
		StoredAt:    now,
		VersionHash: opts.VersionHash,
	}
	if opts.TTL != nil {
		exp := now.Add(*opts.TTL)
		entry.ExpiresAt = &exp
	}
	return entry
}

// expired treats an entry whose expiry equals now as expired, so a zero TTL
// never reads back.
func (e CacheEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// matches reports whether the entry satisfies a lookup for versionHash.
func (e CacheEntry) matches(versionHash string) bool {
	return versionHash == "" || e.VersionHash == versionHash
}

// Stats summarizes cache activity.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// counters tracks lookups; shared by all backends.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats(size int) Stats {
	s := Stats{
		Size:   size,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
}
