// Package dsa provides data structure implementations for the header catalog.
// Uses go-radix for compressed prefix tree (radix tree).
package dsa

import (
	"github.com/armon/go-radix"
)

// Trie wraps go-radix for a compressed prefix tree (radix tree).
// Annotation names share long prefixes ("Tumor region 001", "Tumor region 002"),
// which the radix tree stores once.
//
// Time Complexity: O(k) where k is key length
type Trie[V any] struct {
	tree *radix.Tree
}

// NewTrie creates a new empty radix tree.
func NewTrie[V any]() *Trie[V] {
	return &Trie[V]{
		tree: radix.New(),
	}
}

// Insert adds a key-value pair to the tree.
func (t *Trie[V]) Insert(key string, value V) {
	t.tree.Insert(key, value)
}

// ValuesWithPrefix returns the values of all keys starting with prefix,
// in lexicographic key order.
func (t *Trie[V]) ValuesWithPrefix(prefix string) []V {
	var results []V
	t.tree.WalkPrefix(prefix, func(k string, v interface{}) bool {
		if val, ok := v.(V); ok {
			results = append(results, val)
		}
		return false // continue walking
	})
	return results
}

// Delete removes a key from the tree.
// Returns true if the key was found and deleted.
func (t *Trie[V]) Delete(key string) bool {
	_, deleted := t.tree.Delete(key)
	return deleted
}

