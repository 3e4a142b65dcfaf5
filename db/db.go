// Package db is the dictionary-style facade over the copy-on-write tree:
// byte-slice keys ordered bytewise, byte-slice values, explicit commits.
//
// Unlike the tree below it, a DB serializes its own calls and may be shared
// between goroutines.
package db

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/btree"
	"github.com/conuredb/kvdb/internal/compression"
	"github.com/conuredb/kvdb/pkg/config"
	"github.com/conuredb/kvdb/storage"
)

var (
	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = storage.ErrClosed

	// ErrKeyNotFound is returned for keys that are not in the tree.
	ErrKeyNotFound = btree.ErrKeyNotFound
)

type options struct {
	logger        hclog.Logger
	compression   compression.Type
	noSync        bool
	nodeCacheSize int
	err           error
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger. Storage and tree log under named sub-loggers.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCompression selects the codec for newly written records.
func WithCompression(t compression.Type) Option {
	return func(o *options) { o.compression = t }
}

// WithNoSync skips fsync on commit.
func WithNoSync(noSync bool) Option {
	return func(o *options) { o.noSync = noSync }
}

// WithNodeCacheSize bounds the decoded node cache. Zero or negative disables it.
func WithNodeCacheSize(n int) Option {
	return func(o *options) { o.nodeCacheSize = n }
}

// WithConfig applies the storage fields of cfg.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		codec, err := cfg.CompressionType()
		if err != nil {
			o.err = err
			return
		}
		o.compression = codec
		o.noSync = cfg.NoSync
		o.nodeCacheSize = cfg.NodeCacheSize
		if o.nodeCacheSize == 0 {
			o.nodeCacheSize = config.DefaultNodeCacheSize
		}
	}
}

// DB represents a key-value database
type DB struct {
	mu     sync.Mutex
	store  *storage.Storage
	tree   *btree.Tree[[]byte, []byte]
	path   string
	opts   options
	closed bool
	log    hclog.Logger
}

// Open opens the database at path, creating the file if it does not exist.
func Open(path string, opts ...Option) (*DB, error) {
	o := options{nodeCacheSize: config.DefaultNodeCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}

	db := &DB{path: path, opts: o, log: o.logger}
	if err := db.open(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) open() error {
	store, err := storage.Open(db.path, storage.Options{
		Compression: db.opts.compression,
		NoSync:      db.opts.noSync,
		Logger:      db.log.Named("storage"),
	})
	if err != nil {
		return err
	}
	tree, err := btree.New[[]byte, []byte](store, btree.Options[[]byte, []byte]{
		Compare:       bytes.Compare,
		Keys:          btree.Bytes,
		Values:        btree.Bytes,
		NodeCacheSize: db.opts.nodeCacheSize,
		Logger:        db.log.Named("btree"),
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	db.store = store
	db.tree = tree
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database. An uncommitted write cycle is discarded.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	db.closed = true
	return db.store.Close()
}

// Get returns a copy of the committed or pending value for key.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	v, err := db.tree.Get(key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v), nil
}

// Set stages key=value. It becomes visible to other handles on Commit.
func (db *DB) Set(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	return db.tree.Set(bytes.Clone(key), bytes.Clone(value))
}

// Delete stages the removal of key.
func (db *DB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.tree.Delete(key)
}

// Commit publishes staged writes.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.tree.Commit()
}

// Rollback discards staged writes.
func (db *DB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.tree.Rollback()
}

// Len returns the number of keys.
func (db *DB) Len() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return 0, ErrClosed
	}
	return db.tree.Len()
}

// Ascend calls fn with copies of every key and value in key order until fn
// returns false. fn must not call back into db.
func (db *DB) Ascend(fn func(key, value []byte) bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.tree.Ascend(func(k, v []byte) bool {
		return fn(bytes.Clone(k), bytes.Clone(v))
	})
}

// Root returns the published root address, or NoAddress while writes are
// pending or the database is empty.
func (db *DB) Root() (storage.Address, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return storage.NoAddress, ErrClosed
	}
	return db.tree.Root()
}

// Sync syncs the database to disk
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.store.Sync()
}

// SnapshotTo streams a byte copy of the database file to w. Pending writes
// are not part of the snapshot, only published versions are.
func (db *DB) SnapshotTo(w io.Writer) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if err := db.store.Sync(); err != nil {
		return err
	}
	n, err := db.store.CopyTo(w)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	db.log.Debug("wrote snapshot", "bytes", n)
	return nil
}

// RestoreFrom replaces the database file with the snapshot read from r and
// reopens it. The snapshot is validated before the current file is replaced.
func (db *DB) RestoreFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	tmpPath, err := db.writeRestoreFile(r)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := db.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		return err
	}
	if err := os.Rename(tmpPath, db.path); err != nil {
		db.closed = true
		return fmt.Errorf("replace database file: %w", err)
	}
	if err := db.open(); err != nil {
		db.closed = true
		return fmt.Errorf("reopen restored database: %w", err)
	}
	db.log.Debug("restored database", "path", db.path)
	return nil
}

// writeRestoreFile copies r into a synced temp file next to the database
// and checks that it opens as a database.
func (db *DB) writeRestoreFile(r io.Reader) (path string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(db.path), ".kvdb-restore-*")
	if err != nil {
		return "", err
	}
	path = tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write restore file: %w", err)
	}
	if n < storage.SuperblockSize {
		_ = tmp.Close()
		return "", fmt.Errorf("invalid snapshot: %d bytes is shorter than the superblock: %w", n, storage.ErrCorruptRecord)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := checkSnapshot(path); err != nil {
		return "", fmt.Errorf("invalid snapshot: %w", err)
	}
	return path, nil
}

// checkSnapshot opens path as a database and reads its published root
// record, which is the last one a commit writes.
func checkSnapshot(path string) (err error) {
	check, err := storage.Open(path, storage.Options{NoSync: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := check.Close(); err == nil {
			err = closeErr
		}
	}()

	root, err := check.RootAddress()
	if err != nil || root.IsZero() {
		return err
	}
	_, err = check.Read(root)
	return err
}
