package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Usage is a best-effort snapshot of persistent storage consumption.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Remaining returns how many bytes may still be written, never negative.
func (u Usage) Remaining() int64 {
	if u.QuotaBytes <= u.UsedBytes {
		return 0
	}
	return u.QuotaBytes - u.UsedBytes
}

// Percent returns used/quota in the range [0, 100].
func (u Usage) Percent() float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	p := float64(u.UsedBytes) / float64(u.QuotaBytes) * 100
	if p > 100 {
		return 100
	}
	return p
}

// FormatUsage renders usage for people, e.g. "1.2 MB of 50 MB (2.4%)".
func FormatUsage(u Usage) string {
	return fmt.Sprintf("%s of %s (%.1f%%)",
		humanize.Bytes(uint64(max(u.UsedBytes, 0))),
		humanize.Bytes(uint64(max(u.QuotaBytes, 0))),
		u.Percent())
}

// QuotaReporter is implemented by persistent backends. It is deliberately
// separate from AnnotationCache.
type QuotaReporter interface {
	// Estimate reports current usage and the allocation limit.
	Estimate(ctx context.Context) (Usage, error)

	// RequestPersistentAllocation asks for the limit to be raised to at least
	// bytes. It reports whether the resulting limit covers the request.
	RequestPersistentAllocation(ctx context.Context, bytes int64) (bool, error)
}

// Estimate reports database size and the current page limit.
func (c *SqliteCache) Estimate(ctx context.Context) (Usage, error) {
	pageSize, err := c.pragmaInt(ctx, "PRAGMA page_size")
	if err != nil {
		return Usage{}, err
	}
	pageCount, err := c.pragmaInt(ctx, "PRAGMA page_count")
	if err != nil {
		return Usage{}, err
	}
	maxPages, err := c.pragmaInt(ctx, "PRAGMA max_page_count")
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		UsedBytes:  pageCount * pageSize,
		QuotaBytes: maxPages * pageSize,
	}, nil
}

// SetQuota limits the database to bytes, rounded up to whole pages.
// SQLite never shrinks the limit below the current size.
func (c *SqliteCache) SetQuota(ctx context.Context, bytes int64) error {
	pageSize, err := c.pragmaInt(ctx, "PRAGMA page_size")
	if err != nil {
		return err
	}
	pages := (bytes + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	// PRAGMA does not accept bound parameters.
	if _, err := c.pragmaInt(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("failed to set cache quota: %w", err)
	}
	return nil
}

// grantedQuotaKey names the cache_meta row holding the largest granted limit.
// max_page_count is per connection, so the limit is re-applied on open.
const grantedQuotaKey = "granted_quota_bytes"

// RequestPersistentAllocation raises the page limit when it is below bytes
// and records a granted raise so later opens keep it.
func (c *SqliteCache) RequestPersistentAllocation(ctx context.Context, bytes int64) (bool, error) {
	usage, err := c.Estimate(ctx)
	if err != nil {
		return false, err
	}
	if usage.QuotaBytes >= bytes {
		return true, nil
	}
	if err := c.SetQuota(ctx, bytes); err != nil {
		return false, err
	}
	usage, err = c.Estimate(ctx)
	if err != nil {
		return false, err
	}
	if usage.QuotaBytes < bytes {
		return false, nil
	}
	if err := c.saveQuota(ctx, bytes); err != nil {
		return false, err
	}
	return true, nil
}

// SavedQuota returns the largest limit granted so far, or 0.
func (c *SqliteCache) SavedQuota(ctx context.Context) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx,
		"SELECT value FROM cache_meta WHERE key = ?", grantedQuotaKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read saved quota: %w", err)
	}
	return v, nil
}

// ApplyQuota sets the limit to the larger of configured and the saved grant.
// With nothing configured the SQLite default stays, which already exceeds
// any grant.
func (c *SqliteCache) ApplyQuota(ctx context.Context, configured int64) error {
	if configured <= 0 {
		return nil
	}
	saved, err := c.SavedQuota(ctx)
	if err != nil {
		return err
	}
	return c.SetQuota(ctx, max(configured, saved))
}

func (c *SqliteCache) saveQuota(ctx context.Context, bytes int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		grantedQuotaKey, bytes,
	)
	if err != nil {
		return fmt.Errorf("failed to save granted quota: %w", err)
	}
	return nil
}

func (c *SqliteCache) pragmaInt(ctx context.Context, pragma string) (int64, error) {
	var v int64
	if err := c.db.QueryRowContext(ctx, pragma).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to query %q: %w", pragma, err)
	}
	return v, nil
}

// Verify SqliteCache implements QuotaReporter
var _ QuotaReporter = (*SqliteCache)(nil)
