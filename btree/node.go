package btree

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/conuredb/kvdb/storage"
)

// Field numbers of a node record. Records are protobuf wire format so they
// decode without external schema knowledge; unknown fields are skipped.
const (
	fieldLeft   protowire.Number = 1
	fieldKey    protowire.Number = 2
	fieldValue  protowire.Number = 3
	fieldRight  protowire.Number = 4
	fieldLength protowire.Number = 5
)

var errUnstoredChild = errors.New("child reference has no address")

// node is immutable once it has an address.
type node[K, V any] struct {
	key    K
	value  *ref[V]
	left   *ref[*node[K, V]]
	right  *ref[*node[K, V]]
	length uint64
}

type valueKind[V any] struct {
	codec Codec[V]
}

func (k valueKind[V]) load(s Store, addr storage.Address) (V, error) {
	var zero V
	b, err := s.Read(addr)
	if err != nil {
		return zero, fmt.Errorf("read value: %w", err)
	}
	v, err := k.codec.Unmarshal(b)
	if err != nil {
		return zero, fmt.Errorf("unmarshal value at %d: %w", addr, err)
	}
	return v, nil
}

func (k valueKind[V]) store(s Store, v V) (storage.Address, error) {
	b, err := k.codec.Marshal(v)
	if err != nil {
		return storage.NoAddress, fmt.Errorf("marshal value: %w", err)
	}
	return s.Write(b)
}

// nodeKind decodes nodes lazily: children and values come back as unloaded
// refs. Decoded nodes are cached by address when cache is non-nil.
type nodeKind[K, V any] struct {
	keys   Codec[K]
	values valueKind[V]
	cache  *lru.ARCCache
}

func (k *nodeKind[K, V]) load(s Store, addr storage.Address) (*node[K, V], error) {
	if k.cache != nil {
		if cached, ok := k.cache.Get(addr); ok {
			return cached.(*node[K, V]), nil
		}
	}
	b, err := s.Read(addr)
	if err != nil {
		return nil, fmt.Errorf("read node: %w", err)
	}
	n, err := k.unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decode node at %d: %v: %w", addr, err, storage.ErrCorruptRecord)
	}
	if k.cache != nil {
		k.cache.Add(addr, n)
	}
	return n, nil
}

// store writes the node's value and children before the node itself, so
// every address embedded in the record is already durable-to-be.
func (k *nodeKind[K, V]) store(s Store, n *node[K, V]) (storage.Address, error) {
	if err := n.value.store(s, k.values); err != nil {
		return storage.NoAddress, err
	}
	if err := n.left.store(s, k); err != nil {
		return storage.NoAddress, err
	}
	if err := n.right.store(s, k); err != nil {
		return storage.NoAddress, err
	}
	b, err := k.marshal(n)
	if err != nil {
		return storage.NoAddress, err
	}
	addr, err := s.Write(b)
	if err != nil {
		return storage.NoAddress, err
	}
	if k.cache != nil {
		k.cache.Add(addr, n)
	}
	return addr, nil
}

func (k *nodeKind[K, V]) marshal(n *node[K, V]) ([]byte, error) {
	key, err := k.keys.Marshal(n.key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if n.value.isAbsent() || n.value.address().IsZero() {
		return nil, fmt.Errorf("value: %w", errUnstoredChild)
	}
	left, err := embeddedAddress(n.left)
	if err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	right, err := embeddedAddress(n.right)
	if err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}

	b := make([]byte, 0, len(key)+32)
	if !left.IsZero() {
		b = protowire.AppendTag(b, fieldLeft, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(left))
	}
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, key)
	b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.value.address()))
	if !right.IsZero() {
		b = protowire.AppendTag(b, fieldRight, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(right))
	}
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, n.length)
	return b, nil
}

func embeddedAddress[T any](r *ref[T]) (storage.Address, error) {
	if r.isAbsent() {
		return storage.NoAddress, nil
	}
	if r.address().IsZero() {
		return storage.NoAddress, errUnstoredChild
	}
	return r.address(), nil
}

func (k *nodeKind[K, V]) unmarshal(b []byte) (*node[K, V], error) {
	var (
		left, right, value storage.Address
		key                []byte
		haveKey            bool
		length             uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeBytes(b)
			haveKey = true
		case typ == protowire.VarintType && (num == fieldLeft || num == fieldValue || num == fieldRight || num == fieldLength):
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldLeft:
				left = storage.Address(v)
			case fieldValue:
				value = storage.Address(v)
			case fieldRight:
				right = storage.Address(v)
			case fieldLength:
				length = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if !haveKey {
		return nil, errors.New("missing key")
	}
	if value.IsZero() {
		return nil, errors.New("missing value address")
	}
	if length == 0 {
		return nil, errors.New("zero subtree length")
	}

	decoded, err := k.keys.Unmarshal(key)
	if err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	return &node[K, V]{
		key:    decoded,
		value:  addressRef[V](value),
		left:   addressRef[*node[K, V]](left),
		right:  addressRef[*node[K, V]](right),
		length: length,
	}, nil
}
