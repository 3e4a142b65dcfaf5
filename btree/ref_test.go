package btree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/conuredb/kvdb/storage"
)

// memStore keeps records in memory and counts I/O.
type memStore struct {
	records [][]byte
	reads   int
}

func (m *memStore) Write(b []byte) (storage.Address, error) {
	m.records = append(m.records, append([]byte(nil), b...))
	return storage.Address(len(m.records)), nil
}

func (m *memStore) Read(addr storage.Address) ([]byte, error) {
	m.reads++
	if addr.IsZero() || int(addr) > len(m.records) {
		return nil, errors.New("no such record")
	}
	return m.records[addr-1], nil
}

func TestRefTransitions(t *testing.T) {
	s := &memStore{}
	values := valueKind[string]{codec: String}

	absent := absentRef[string]()
	_, ok, err := absent.follow(s, values)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, absent.store(s, values))
	assert.Equal(t, refAbsent, absent.state)
	assert.Empty(t, s.records, "absent refs are never written")

	dirty := dirtyRef("hello")
	assert.Equal(t, storage.NoAddress, dirty.address())
	v, ok, err := dirty.follow(s, values)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	require.NoError(t, dirty.store(s, values))
	assert.Equal(t, refClean, dirty.state)
	addr := dirty.address()
	assert.False(t, addr.IsZero())

	require.NoError(t, dirty.store(s, values))
	assert.Equal(t, addr, dirty.address(), "address is assigned once")
	assert.Len(t, s.records, 1)

	unloaded := addressRef[string](addr)
	assert.Equal(t, refUnloaded, unloaded.state)
	v, ok, err = unloaded.follow(s, values)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, refClean, unloaded.state)
	assert.Equal(t, addr, unloaded.address())

	_, _, err = unloaded.follow(s, values)
	require.NoError(t, err)
	assert.Equal(t, 1, s.reads, "clean refs serve the cached value")

	assert.Equal(t, refAbsent, addressRef[string](storage.NoAddress).state)
}

func TestNodeStoreWritesChildrenFirst(t *testing.T) {
	s := &memStore{}
	nodes := &nodeKind[string, string]{keys: String, values: valueKind[string]{codec: String}}

	leaf := func(k string) *ref[*node[string, string]] {
		return dirtyRef(&node[string, string]{
			key: k, value: dirtyRef(k + "!"),
			left: absentRef[*node[string, string]](), right: absentRef[*node[string, string]](),
			length: 1,
		})
	}
	root := dirtyRef(&node[string, string]{
		key: "m", value: dirtyRef("m!"), left: leaf("a"), right: leaf("z"), length: 3,
	})
	require.NoError(t, root.store(s, nodes))

	// value m, value a, node a, value z, node z, node m
	assert.Len(t, s.records, 6)
	assert.Equal(t, storage.Address(6), root.address())

	decoded, err := nodes.load(s, root.address())
	require.NoError(t, err)
	assert.Equal(t, "m", decoded.key)
	assert.Equal(t, uint64(3), decoded.length)
	assert.Equal(t, refUnloaded, decoded.left.state)
	assert.Equal(t, refUnloaded, decoded.right.state)
	left, _, err := decoded.left.follow(s, nodes)
	require.NoError(t, err)
	assert.Equal(t, "a", left.key)
	v, _, err := left.value.follow(s, nodes.values)
	require.NoError(t, err)
	assert.Equal(t, "a!", v)
}

func TestNodeMarshalRejectsUnstoredChild(t *testing.T) {
	nodes := &nodeKind[string, string]{keys: String, values: valueKind[string]{codec: String}}
	n := &node[string, string]{
		key:    "k",
		value:  addressRef[string](7),
		left:   dirtyRef(&node[string, string]{key: "a"}),
		right:  absentRef[*node[string, string]](),
		length: 2,
	}
	_, err := nodes.marshal(n)
	assert.ErrorIs(t, err, errUnstoredChild)

	n.left = absentRef[*node[string, string]]()
	n.value = dirtyRef("v")
	_, err = nodes.marshal(n)
	assert.ErrorIs(t, err, errUnstoredChild)
}

func TestNodeRecordDecoding(t *testing.T) {
	s := &memStore{}
	nodes := &nodeKind[string, string]{keys: String, values: valueKind[string]{codec: String}}
	n := &node[string, string]{
		key:    "key",
		value:  addressRef[string](9),
		left:   addressRef[*node[string, string]](3),
		right:  absentRef[*node[string, string]](),
		length: 2,
	}
	b, err := nodes.marshal(n)
	require.NoError(t, err)

	t.Run("unknown fields are skipped", func(t *testing.T) {
		ext := protowire.AppendTag(append([]byte(nil), b...), 15, protowire.BytesType)
		ext = protowire.AppendBytes(ext, []byte("future"))
		got, err := nodes.unmarshal(ext)
		require.NoError(t, err)
		assert.Equal(t, "key", got.key)
		assert.Equal(t, storage.Address(9), got.value.address())
		assert.Equal(t, storage.Address(3), got.left.address())
		assert.True(t, got.right.isAbsent())
		assert.Equal(t, uint64(2), got.length)
	})

	t.Run("garbage is corrupt", func(t *testing.T) {
		addr, err := s.Write([]byte{0xff, 0xff, 0xff})
		require.NoError(t, err)
		_, err = nodes.load(s, addr)
		assert.ErrorIs(t, err, storage.ErrCorruptRecord)
	})

	t.Run("missing fields are corrupt", func(t *testing.T) {
		noValue := protowire.AppendTag(nil, fieldKey, protowire.BytesType)
		noValue = protowire.AppendBytes(noValue, []byte("k"))
		noValue = protowire.AppendTag(noValue, fieldLength, protowire.VarintType)
		noValue = protowire.AppendVarint(noValue, 1)
		addr, err := s.Write(noValue)
		require.NoError(t, err)
		_, err = nodes.load(s, addr)
		assert.ErrorIs(t, err, storage.ErrCorruptRecord)

		addr, err = s.Write(b[:len(b)-2])
		require.NoError(t, err)
		_, err = nodes.load(s, addr)
		assert.ErrorIs(t, err, storage.ErrCorruptRecord)
	})
}
