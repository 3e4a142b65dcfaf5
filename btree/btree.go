// Package btree implements a persistent copy-on-write binary search tree on
// top of the append-only storage engine.
//
// Writes rebuild the path from the root to the affected node in memory and
// share every untouched subtree with the previous version. Commit persists
// the dirty path children first and then publishes the new root address.
// The tree is not rebalanced, so its depth follows insertion order.
//
// A Tree is not safe for concurrent use.
package btree

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/conuredb/kvdb/storage"
)

var (
	// ErrKeyNotFound is returned when a lookup or delete reaches an empty child.
	ErrKeyNotFound = errors.New("key not found")

	errMissingSuccessor = errors.New("btree: empty subtree has no minimum")
)

// Engine is the storage contract a Tree runs on. *storage.Storage satisfies it.
type Engine interface {
	Store
	RootAddress() (storage.Address, error)
	CommitRootAddress(storage.Address) error
	Lock() (bool, error)
	Unlock() error
	Locked() bool
}

// Options configures a Tree.
type Options[K, V any] struct {
	// Compare orders keys. It must be a strict total order returning a
	// negative number, zero or a positive number.
	Compare func(a, b K) int

	// Keys and Values encode keys and values into records.
	Keys   Codec[K]
	Values Codec[V]

	// NodeCacheSize bounds the number of decoded nodes kept by address.
	// Zero or negative disables the cache.
	NodeCacheSize int

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// Tree is a handle on the tree stored in an Engine.
type Tree[K, V any] struct {
	engine  Engine
	compare func(a, b K) int
	nodes   *nodeKind[K, V]
	root    *ref[*node[K, V]]
	log     hclog.Logger
}

// New returns a Tree over engine positioned at the currently published root.
func New[K, V any](engine Engine, opts Options[K, V]) (*Tree[K, V], error) {
	if engine == nil {
		return nil, errors.New("btree: nil engine")
	}
	if opts.Compare == nil {
		return nil, errors.New("btree: Compare is required")
	}
	if opts.Keys == nil || opts.Values == nil {
		return nil, errors.New("btree: key and value codecs are required")
	}

	nodes := &nodeKind[K, V]{
		keys:   opts.Keys,
		values: valueKind[V]{codec: opts.Values},
	}
	if opts.NodeCacheSize > 0 {
		cache, err := lru.NewARC(opts.NodeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("node cache: %w", err)
		}
		nodes.cache = cache
	}

	t := &Tree[K, V]{
		engine:  engine,
		compare: opts.Compare,
		nodes:   nodes,
		root:    absentRef[*node[K, V]](),
		log:     opts.Logger,
	}
	if t.log == nil {
		t.log = hclog.NewNullLogger()
	}
	if err := t.refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

// refresh points the handle at the published root. A root that is already
// at that address is kept so its loaded subtree stays warm.
func (t *Tree[K, V]) refresh() error {
	addr, err := t.engine.RootAddress()
	if err != nil {
		return err
	}
	if t.root.state != refDirty && t.root.address() == addr {
		return nil
	}
	t.root = addressRef[*node[K, V]](addr)
	return nil
}

// readRoot returns the root a read should start from. Outside a write cycle
// every read observes the latest committed version.
func (t *Tree[K, V]) readRoot() (*ref[*node[K, V]], error) {
	if !t.engine.Locked() {
		if err := t.refresh(); err != nil {
			return nil, err
		}
	}
	return t.root, nil
}

// beginWrite takes the lock for a write cycle. The first write of a cycle
// rebuilds from the latest committed root.
func (t *Tree[K, V]) beginWrite() error {
	performed, err := t.engine.Lock()
	if err != nil {
		return err
	}
	if performed {
		return t.refresh()
	}
	return nil
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(key K) (V, error) {
	root, err := t.readRoot()
	if err != nil {
		var zero V
		return zero, err
	}
	return t.get(root, key)
}

func (t *Tree[K, V]) get(r *ref[*node[K, V]], key K) (V, error) {
	var zero V
	for {
		n, ok, err := r.follow(t.engine, t.nodes)
		if err != nil {
			return zero, err
		}
		if !ok {
			return zero, ErrKeyNotFound
		}
		switch c := t.compare(key, n.key); {
		case c < 0:
			r = n.left
		case c > 0:
			r = n.right
		default:
			v, _, err := n.value.follow(t.engine, t.nodes.values)
			return v, err
		}
	}
}

// Set stores value under key in the pending version. Nothing is written
// until Commit; the lock is held from the first Set of a cycle until then.
func (t *Tree[K, V]) Set(key K, value V) error {
	if err := t.beginWrite(); err != nil {
		return err
	}
	root, _, err := t.insert(t.root, key, value)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// insert returns the rebuilt subtree and whether it gained a node.
func (t *Tree[K, V]) insert(r *ref[*node[K, V]], key K, value V) (*ref[*node[K, V]], bool, error) {
	n, ok, err := r.follow(t.engine, t.nodes)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return dirtyRef(&node[K, V]{
			key:    key,
			value:  dirtyRef(value),
			left:   absentRef[*node[K, V]](),
			right:  absentRef[*node[K, V]](),
			length: 1,
		}), true, nil
	}

	next := *n
	var grew bool
	switch c := t.compare(key, n.key); {
	case c < 0:
		next.left, grew, err = t.insert(n.left, key, value)
	case c > 0:
		next.right, grew, err = t.insert(n.right, key, value)
	default:
		next.value = dirtyRef(value)
	}
	if err != nil {
		return nil, false, err
	}
	if grew {
		next.length++
	}
	return dirtyRef(&next), grew, nil
}

// Delete removes key from the pending version. A node with two children is
// replaced by its in-order successor. The write cycle stays open even when
// key is missing.
func (t *Tree[K, V]) Delete(key K) error {
	if err := t.beginWrite(); err != nil {
		return err
	}
	root, err := t.remove(t.root, key)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *Tree[K, V]) remove(r *ref[*node[K, V]], key K) (*ref[*node[K, V]], error) {
	n, ok, err := r.follow(t.engine, t.nodes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}

	switch c := t.compare(key, n.key); {
	case c < 0:
		left, err := t.remove(n.left, key)
		if err != nil {
			return nil, err
		}
		next := *n
		next.left = left
		next.length--
		return dirtyRef(&next), nil
	case c > 0:
		right, err := t.remove(n.right, key)
		if err != nil {
			return nil, err
		}
		next := *n
		next.right = right
		next.length--
		return dirtyRef(&next), nil
	}

	if n.left.isAbsent() {
		return n.right, nil
	}
	if n.right.isAbsent() {
		return n.left, nil
	}
	right, successor, err := t.removeMin(n.right)
	if err != nil {
		return nil, err
	}
	return dirtyRef(&node[K, V]{
		key:    successor.key,
		value:  successor.value,
		left:   n.left,
		right:  right,
		length: n.length - 1,
	}), nil
}

// removeMin detaches the leftmost node of a non-empty subtree.
func (t *Tree[K, V]) removeMin(r *ref[*node[K, V]]) (*ref[*node[K, V]], *node[K, V], error) {
	n, ok, err := r.follow(t.engine, t.nodes)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errMissingSuccessor
	}
	if n.left.isAbsent() {
		return n.right, n, nil
	}
	left, least, err := t.removeMin(n.left)
	if err != nil {
		return nil, nil, err
	}
	next := *n
	next.left = left
	next.length--
	return dirtyRef(&next), least, nil
}

// Commit persists the pending version and publishes its root, releasing the
// lock. Without an open write cycle it does nothing: the in-memory root may
// be older than what another writer has published since.
func (t *Tree[K, V]) Commit() error {
	if !t.engine.Locked() {
		return nil
	}
	if err := t.root.store(t.engine, t.nodes); err != nil {
		return fmt.Errorf("store tree: %w", err)
	}
	addr := t.root.address()
	if err := t.engine.CommitRootAddress(addr); err != nil {
		return err
	}
	t.log.Debug("committed tree", "root", uint64(addr))
	return nil
}

// Rollback discards the pending version and releases the lock. Records
// already appended for it stay in the file, unreachable.
func (t *Tree[K, V]) Rollback() error {
	if err := t.engine.Unlock(); err != nil {
		return err
	}
	t.root = absentRef[*node[K, V]]()
	t.log.Debug("rolled back write cycle")
	return t.refresh()
}

// Root returns the published root address. While a write cycle is open the
// pending version has no address yet and Root returns NoAddress.
func (t *Tree[K, V]) Root() (storage.Address, error) {
	if t.engine.Locked() {
		return storage.NoAddress, nil
	}
	root, err := t.readRoot()
	if err != nil {
		return storage.NoAddress, err
	}
	return root.address(), nil
}

// Len returns the number of keys.
func (t *Tree[K, V]) Len() (int, error) {
	root, err := t.readRoot()
	if err != nil {
		return 0, err
	}
	return t.length(root)
}

func (t *Tree[K, V]) length(r *ref[*node[K, V]]) (int, error) {
	n, ok, err := r.follow(t.engine, t.nodes)
	if err != nil || !ok {
		return 0, err
	}
	return int(n.length), nil
}

// Ascend calls fn for every key in ascending order until fn returns false.
func (t *Tree[K, V]) Ascend(fn func(key K, value V) bool) error {
	root, err := t.readRoot()
	if err != nil {
		return err
	}
	_, err = t.ascend(root, fn)
	return err
}

// ascend reports whether the walk ran to completion.
func (t *Tree[K, V]) ascend(r *ref[*node[K, V]], fn func(K, V) bool) (bool, error) {
	n, ok, err := r.follow(t.engine, t.nodes)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if more, err := t.ascend(n.left, fn); !more || err != nil {
		return false, err
	}
	v, _, err := n.value.follow(t.engine, t.nodes.values)
	if err != nil {
		return false, err
	}
	if !fn(n.key, v) {
		return false, nil
	}
	return t.ascend(n.right, fn)
}
