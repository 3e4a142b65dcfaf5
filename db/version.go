package db

import (
	"bytes"

	"github.com/conuredb/kvdb/btree"
	"github.com/conuredb/kvdb/storage"
)

// Version is a read-only view of the database as committed at one root.
type Version struct {
	db *DB
	v  *btree.Version[[]byte, []byte]
}

// At returns a view of the version published at root. Any root address
// returned by Root stays readable for the life of the file.
func (db *DB) At(root storage.Address) (*Version, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	return &Version{db: db, v: db.tree.Version(root)}, nil
}

// Root returns the address the view was taken at.
func (v *Version) Root() storage.Address {
	return v.v.Root()
}

// Get returns a copy of the value for key in this version.
func (v *Version) Get(key []byte) ([]byte, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()

	if v.db.closed {
		return nil, ErrClosed
	}
	value, err := v.v.Get(key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(value), nil
}

// Len returns the number of keys in this version.
func (v *Version) Len() (int, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()

	if v.db.closed {
		return 0, ErrClosed
	}
	return v.v.Len()
}

// Ascend walks this version in key order until fn returns false.
func (v *Version) Ascend(fn func(key, value []byte) bool) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()

	if v.db.closed {
		return ErrClosed
	}
	return v.v.Ascend(func(k, val []byte) bool {
		return fn(bytes.Clone(k), bytes.Clone(val))
	})
}
