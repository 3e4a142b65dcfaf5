package btree

import "github.com/conuredb/kvdb/storage"

// Version is a read-only view of the tree as published at one root address.
// Records are never overwritten, so a Version stays valid after later commits.
type Version[K, V any] struct {
	tree *Tree[K, V]
	root *ref[*node[K, V]]
}

// Version returns a view rooted at addr. NoAddress is the empty tree.
func (t *Tree[K, V]) Version(addr storage.Address) *Version[K, V] {
	return &Version[K, V]{tree: t, root: addressRef[*node[K, V]](addr)}
}

// Root returns the address the view was created with.
func (v *Version[K, V]) Root() storage.Address {
	return v.root.address()
}

// Get returns the value stored under key in this version.
func (v *Version[K, V]) Get(key K) (V, error) {
	return v.tree.get(v.root, key)
}

// Len returns the number of keys in this version.
func (v *Version[K, V]) Len() (int, error) {
	return v.tree.length(v.root)
}

// Ascend walks this version in key order until fn returns false.
func (v *Version[K, V]) Ascend(fn func(key K, value V) bool) error {
	_, err := v.tree.ascend(v.root, fn)
	return err
}
