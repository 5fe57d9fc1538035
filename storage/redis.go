package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/richinex/annolayer/model"
)

const defaultRedisPrefix = "annotation:"

// RedisCache implements AnnotationCache on a Redis server, letting several
// viewer processes on one workstation share fetched bodies. Entries with a
// positive TTL also get a native Redis expiry; expiry is still checked
// lazily against the stored entry.
type RedisCache struct {
	client   *redis.Client
	prefix   string
	counters counters
	now      func() time.Time
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: defaultRedisPrefix,
		now:    time.Now,
	}
}

// key generates the Redis key for an annotation id
func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

// Get returns the cached body when present, unexpired and matching.
func (c *RedisCache) Get(ctx context.Context, id string, versionHash string) (*model.AnnotationBody, error) {
	entry, ok, err := c.lookup(ctx, id, versionHash)
	if err != nil {
		return nil, err
	}
	c.counters.record(ok)
	if !ok {
		return nil, nil
	}
	return entry.Data, nil
}

// Has reports whether a matching, unexpired entry exists.
func (c *RedisCache) Has(ctx context.Context, id string, versionHash string) (bool, error) {
	_, ok, err := c.lookup(ctx, id, versionHash)
	return ok, err
}

func (c *RedisCache) lookup(ctx context.Context, id string, versionHash string) (CacheEntry, bool, error) {
	key := c.key(id)
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("lookup cache entry: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}

	if entry.expired(c.now()) || !entry.matches(versionHash) || entry.Data == nil {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return CacheEntry{}, false, fmt.Errorf("evict cache entry: %w", err)
		}
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Set stores the entry as JSON.
func (c *RedisCache) Set(ctx context.Context, id string, body *model.AnnotationBody, opts SetOptions) error {
	if body == nil {
		return ErrNilBody
	}

	entry := newEntry(body, opts, c.now())
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	// Zero means no expiry to Redis; non-positive TTLs rely on the lazy check.
	var ttl time.Duration
	if opts.TTL != nil && *opts.TTL > 0 {
		ttl = *opts.TTL
	}
	if err := c.client.Set(ctx, c.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for id.
func (c *RedisCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	c.counters.reset()
	return nil
}

// Stats counts keys under the cache prefix.
func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return Stats{}, err
	}
	return c.counters.stats(len(keys)), nil
}

func (c *RedisCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}
	return keys, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Verify RedisCache implements AnnotationCache
var _ AnnotationCache = (*RedisCache)(nil)
