package state

import (
	"sort"
	"strings"

	"github.com/richinex/annolayer/internal/dsa"
	"github.com/richinex/annolayer/model"
)

// catalog holds the latest header per annotation, as handed over by the
// list side. Not safe for concurrent use; the coordinator's lock guards it.
type catalog struct {
	headers map[string]model.AnnotationHeader
	names   *dsa.Trie[string] // lower(name) + "\x00" + id -> id
}

func newCatalog() *catalog {
	return &catalog{
		headers: make(map[string]model.AnnotationHeader),
		names:   dsa.NewTrie[string](),
	}
}

func nameKey(h model.AnnotationHeader) string {
	return strings.ToLower(h.Name) + "\x00" + h.ID
}

// upsert replaces any previous header for the same id.
func (c *catalog) upsert(h model.AnnotationHeader) {
	if prev, ok := c.headers[h.ID]; ok {
		c.names.Delete(nameKey(prev))
	}
	c.headers[h.ID] = h
	c.names.Insert(nameKey(h), h.ID)
}

func (c *catalog) get(id string) (model.AnnotationHeader, bool) {
	h, ok := c.headers[id]
	return h, ok
}

// all returns headers sorted by id.
func (c *catalog) all() []model.AnnotationHeader {
	out := make([]model.AnnotationHeader, 0, len(c.headers))
	for _, h := range c.headers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// byNamePrefix matches case-insensitively, ordered by name then id.
func (c *catalog) byNamePrefix(prefix string) []model.AnnotationHeader {
	ids := c.names.ValuesWithPrefix(strings.ToLower(prefix))
	out := make([]model.AnnotationHeader, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.headers[id])
	}
	return out
}
