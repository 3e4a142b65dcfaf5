package db

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conuredb/kvdb/internal/compression"
	"github.com/conuredb/kvdb/pkg/config"
	"github.com/conuredb/kvdb/storage"
)

func openTestDB(t *testing.T, path string, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithNoSync(true)}, opts...)
	database, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	database := openTestDB(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(storage.SuperblockSize), info.Size())
	assert.Equal(t, path, database.Path())

	n, err := database.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), WithConfig(config.Config{Compression: "brotli"}))
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Open(dir)
	assert.Error(t, err, "a directory is not a database")
}

func TestGetSetDeleteCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crud.db")
	database := openTestDB(t, path)

	require.NoError(t, database.Set([]byte("5"), []byte("e")))
	require.NoError(t, database.Set([]byte("3"), []byte("c")))
	v, err := database.Get([]byte("3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), v)
	_, err = database.Get([]byte("9"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, database.Commit())

	require.NoError(t, database.Delete([]byte("3")))
	require.NoError(t, database.Commit())
	_, err = database.Get([]byte("3"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, database.Delete([]byte("3")), ErrKeyNotFound)
	require.NoError(t, database.Rollback())

	require.NoError(t, database.Close())
	reopened := openTestDB(t, path)
	v, err = reopened.Get([]byte("5"))
	require.NoError(t, err)
	assert.Equal(t, []byte("e"), v)
}

func TestCallerBuffersAreCopied(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "alias.db"))

	key := []byte("key")
	value := []byte("value")
	require.NoError(t, database.Set(key, value))
	key[0] = 'X'
	value[0] = 'X'

	got, err := database.Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	got[0] = 'Y'

	again, err := database.Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestNilValueIsEmpty(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "nil.db"))
	require.NoError(t, database.Set([]byte("k"), nil))
	require.NoError(t, database.Commit())
	v, err := database.Get([]byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}

func TestAscendAndAt(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "ascend.db"))
	for _, k := range []string{"m", "c", "x", "a"} {
		require.NoError(t, database.Set([]byte(k), []byte(strings.ToUpper(k))))
	}
	require.NoError(t, database.Commit())
	root, err := database.Root()
	require.NoError(t, err)
	require.False(t, root.IsZero())

	require.NoError(t, database.Delete([]byte("c")))
	require.NoError(t, database.Set([]byte("b"), []byte("B")))
	pending, err := database.Root()
	require.NoError(t, err)
	assert.Equal(t, storage.NoAddress, pending)
	require.NoError(t, database.Commit())

	var keys []string
	require.NoError(t, database.Ascend(func(k, v []byte) bool {
		assert.Equal(t, strings.ToUpper(string(k)), string(v))
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"a", "b", "m", "x"}, keys)

	old, err := database.At(root)
	require.NoError(t, err)
	assert.Equal(t, root, old.Root())
	v, err := old.Get([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("C"), v)
	n, err := old.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	keys = keys[:0]
	require.NoError(t, old.Ascend(func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"a", "c", "m", "x"}, keys)
}

func TestTwoHandlesOnOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	writer := openTestDB(t, path)
	reader := openTestDB(t, path)

	require.NoError(t, writer.Set([]byte("k"), []byte("v")))
	_, err := reader.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, writer.Commit())
	v, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestCompressionOptions(t *testing.T) {
	for _, codec := range []compression.Type{compression.None, compression.Snappy, compression.LZ4, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.db")
			database := openTestDB(t, path, WithCompression(codec), WithNodeCacheSize(0))
			big := bytes.Repeat([]byte("compressible "), 512)
			require.NoError(t, database.Set([]byte("big"), big))
			require.NoError(t, database.Commit())
			require.NoError(t, database.Close())

			// Records stay readable whatever codec the reader writes with.
			reopened := openTestDB(t, path, WithCompression(compression.None))
			v, err := reopened.Get([]byte("big"))
			require.NoError(t, err)
			assert.Equal(t, big, v)
		})
	}
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	source := openTestDB(t, filepath.Join(dir, "source.db"), WithLogger(hclog.NewNullLogger()))
	require.NoError(t, source.Set([]byte("a"), []byte("1")))
	require.NoError(t, source.Set([]byte("b"), []byte("2")))
	require.NoError(t, source.Commit())
	require.NoError(t, source.Set([]byte("pending"), []byte("x")))

	var snap bytes.Buffer
	require.NoError(t, source.SnapshotTo(&snap))

	target := openTestDB(t, filepath.Join(dir, "target.db"))
	require.NoError(t, target.Set([]byte("old"), []byte("gone")))
	require.NoError(t, target.Commit())
	require.NoError(t, target.RestoreFrom(bytes.NewReader(snap.Bytes())))

	v, err := target.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	_, err = target.Get([]byte("old"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = target.Get([]byte("pending"))
	assert.ErrorIs(t, err, ErrKeyNotFound, "uncommitted writes are not in snapshots")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no restore temp file is left behind")
}

func TestRestoreRejectsGarbage(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "keep.db"))
	require.NoError(t, database.Set([]byte("k"), []byte("v")))
	require.NoError(t, database.Commit())

	err := database.RestoreFrom(strings.NewReader(strings.Repeat("garbage!", 1024)))
	assert.ErrorIs(t, err, storage.ErrInvalidMagic)

	v, err := database.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v, "database is untouched")
}

func TestRestoreRejectsEmpty(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "keep.db"))
	require.NoError(t, database.Set([]byte("k"), []byte("v")))
	require.NoError(t, database.Commit())

	err := database.RestoreFrom(strings.NewReader(""))
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)

	n, err := database.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "database is untouched")
}

func TestRestoreRejectsTruncatedSnapshot(t *testing.T) {
	src := openTestDB(t, filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, src.Set([]byte("a"), []byte("1")))
	require.NoError(t, src.Set([]byte("b"), []byte("2")))
	require.NoError(t, src.Commit())
	var snap bytes.Buffer
	require.NoError(t, src.SnapshotTo(&snap))

	database := openTestDB(t, filepath.Join(t.TempDir(), "keep.db"))
	require.NoError(t, database.Set([]byte("k"), []byte("v")))
	require.NoError(t, database.Commit())

	truncated := snap.Bytes()[:snap.Len()-3]
	err := database.RestoreFrom(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)

	v, err := database.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v, "database is untouched")

	require.NoError(t, database.RestoreFrom(bytes.NewReader(snap.Bytes())))
	v, err = database.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestClosedDB(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, database.Set([]byte("k"), []byte("v")))
	require.NoError(t, database.Commit())
	root, err := database.Root()
	require.NoError(t, err)
	version, err := database.At(root)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	_, err = database.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, database.Set([]byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, database.Delete([]byte("k")), ErrClosed)
	assert.ErrorIs(t, database.Commit(), ErrClosed)
	assert.ErrorIs(t, database.Rollback(), ErrClosed)
	assert.ErrorIs(t, database.Sync(), ErrClosed)
	assert.ErrorIs(t, database.SnapshotTo(&bytes.Buffer{}), ErrClosed)
	assert.ErrorIs(t, database.RestoreFrom(&bytes.Buffer{}), ErrClosed)
	assert.ErrorIs(t, database.Ascend(func(_, _ []byte) bool { return true }), ErrClosed)
	_, err = database.Len()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = database.Root()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = database.At(root)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = version.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, database.Close(), ErrClosed)
}
