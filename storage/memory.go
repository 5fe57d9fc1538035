// Package storage provides in-memory annotation caching.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing, ephemeral sessions, and as the fallback when the
//   persistent store cannot be opened

package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/richinex/annolayer/model"
)

// MemoryCache implements AnnotationCache using an in-memory map.
// Data is lost when process terminates.
//
// When MaxEntries is reached the oldest inserted entry is evicted. Lookups do
// not refresh an entry's position and overwrites keep it (insertion order,
// not LRU).
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoryItem
	order      *list.List // of string ids, oldest first
	maxEntries int
	counters   counters
	now        func() time.Time
}

type memoryItem struct {
	entry CacheEntry
	elem  *list.Element
}

// NewMemoryCache creates a volatile cache. maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]*memoryItem),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the cached body.
func (c *MemoryCache) Get(ctx context.Context, id string, versionHash string) (*model.AnnotationBody, error) {
	entry, ok := c.lookup(id, versionHash)
	c.counters.record(ok)
	if !ok {
		return nil, nil
	}
	// Return a copy to avoid external mutations
	return entry.Data.Clone(), nil
}

// Has reports whether a matching, unexpired entry exists.
func (c *MemoryCache) Has(ctx context.Context, id string, versionHash string) (bool, error) {
	_, ok := c.lookup(id, versionHash)
	return ok, nil
}

// lookup finds a valid entry and evicts it when expired or stale.
func (c *MemoryCache) lookup(id string, versionHash string) (CacheEntry, bool) {
	c.mu.RLock()
	item, ok := c.entries[id]
	var entry CacheEntry
	if ok {
		entry = item.entry
	}
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}

	if entry.expired(c.now()) || !entry.matches(versionHash) {
		c.mu.Lock()
		// Only evict the entry we inspected; a concurrent Set may have replaced it.
		if cur, ok := c.entries[id]; ok && cur == item {
			c.removeLocked(id)
		}
		c.mu.Unlock()
		return CacheEntry{}, false
	}
	return entry, true
}

// Set stores a copy of body.
func (c *MemoryCache) Set(ctx context.Context, id string, body *model.AnnotationBody, opts SetOptions) error {
	if body == nil {
		return ErrNilBody
	}

	// Make a copy to avoid external mutations
	entry := newEntry(body.Clone(), opts, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.entries[id]; ok {
		c.entries[id] = &memoryItem{entry: entry, elem: item.elem}
		return nil
	}

	if c.maxEntries > 0 {
		for len(c.entries) >= c.maxEntries {
			oldest := c.order.Front()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest.Value.(string))
		}
	}

	elem := c.order.PushBack(id)
	c.entries[id] = &memoryItem{entry: entry, elem: elem}
	return nil
}

// Delete removes the entry for id.
func (c *MemoryCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(id)
	return nil
}

// Clear removes all entries and resets counters.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*memoryItem)
	c.order.Init()
	c.counters.reset()
	return nil
}

// Stats reports the number of entries, including not yet evicted expired ones.
func (c *MemoryCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return c.counters.stats(size), nil
}

// Close is a no-op.
func (c *MemoryCache) Close() error {
	return nil
}

func (c *MemoryCache) removeLocked(id string) {
	item, ok := c.entries[id]
	if !ok {
		return
	}
	c.order.Remove(item.elem)
	delete(c.entries, id)
}

// Verify MemoryCache implements AnnotationCache
var _ AnnotationCache = (*MemoryCache)(nil)
