package state

import (
	"context"
	"testing"

	"github.com/richinex/annolayer/model"
	"github.com/richinex/annolayer/storage"
	"github.com/richinex/annolayer/version"
)

func int64Ptr(v int64) *int64 { return &v }

func TestSetHeadersSupersedes(t *testing.T) {
	c, _ := newTestCoordinator(nil)

	c.SetHeaders([]model.AnnotationHeader{
		{ID: " a1 ", Name: "Tumor", Version: int64Ptr(1)},
		{ID: "b2", Name: "Stroma"},
		{ID: "  ", Name: "dropped"},
	})
	c.SetHeaders([]model.AnnotationHeader{{ID: "a1", Name: "Necrosis", Version: int64Ptr(2)}})

	headers := c.Headers()
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(headers))
	}
	if headers[0].ID != "a1" || headers[0].Name != "Necrosis" {
		t.Errorf("expected superseded header for a1, got %+v", headers[0])
	}

	if got := c.SearchByName("tum"); len(got) != 0 {
		t.Errorf("old name must no longer match, got %v", got)
	}
	if got := c.SearchByName("NEC"); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("expected a1 for prefix 'NEC', got %v", got)
	}
}

func TestSearchByNameOrdering(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	c.SetHeaders([]model.AnnotationHeader{
		{ID: "3", Name: "region b"},
		{ID: "1", Name: "Region A"},
		{ID: "2", Name: "region a"},
		{ID: "4", Name: "lymph"},
	})

	got := c.SearchByName("region")
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("match %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	if all := c.SearchByName(""); len(all) != 4 {
		t.Errorf("empty prefix should match all, got %d", len(all))
	}
}

func TestVersionHashFollowsHeaders(t *testing.T) {
	c, _ := newTestCoordinator(nil)

	if h := c.VersionHash("a1"); h != "" {
		t.Errorf("expected empty hash for unknown header, got %q", h)
	}

	header := model.AnnotationHeader{ID: "a1", Version: int64Ptr(3)}
	c.SetHeaders([]model.AnnotationHeader{header})
	if h := c.VersionHash("a1"); h != version.ComputeHash(header) {
		t.Errorf("unexpected hash %q", h)
	}
}

func TestCachedHeaders(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	c, _ := newTestCoordinator(cache)
	ctx := context.Background()

	fresh := model.AnnotationHeader{ID: "a1", Version: int64Ptr(2)}
	stale := model.AnnotationHeader{ID: "b2", Version: int64Ptr(5)}
	c.SetHeaders([]model.AnnotationHeader{fresh, stale, {ID: "c3"}})

	_ = cache.Set(ctx, "a1", &model.AnnotationBody{ID: "a1"}, storage.SetOptions{VersionHash: version.ComputeHash(fresh)})
	_ = cache.Set(ctx, "b2", &model.AnnotationBody{ID: "b2"}, storage.SetOptions{VersionHash: "older"})

	got := c.CachedHeaders(ctx)
	if len(got) != 1 || got[0] != "a1" {
		t.Errorf("expected only a1 cached, got %v", got)
	}

	failing, _ := newTestCoordinator(&failingCache{storage.NewMemoryCache(0)})
	failing.SetHeaders([]model.AnnotationHeader{fresh})
	if got := failing.CachedHeaders(ctx); len(got) != 0 {
		t.Errorf("cache failures should count as not cached, got %v", got)
	}

	noCache, _ := newTestCoordinator(nil)
	noCache.SetHeaders([]model.AnnotationHeader{fresh})
	if got := noCache.CachedHeaders(ctx); len(got) != 0 {
		t.Errorf("expected nothing cached without a cache, got %v", got)
	}
}
