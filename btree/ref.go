package btree

import "github.com/conuredb/kvdb/storage"

// Store is the part of the storage engine references read and write through.
type Store interface {
	Read(storage.Address) ([]byte, error)
	Write([]byte) (storage.Address, error)
}

type refState uint8

const (
	// refAbsent: no address, no value. A missing child or the empty tree.
	refAbsent refState = iota
	// refDirty: value only, created by a pending write.
	refDirty
	// refUnloaded: address only, not read yet.
	refUnloaded
	// refClean: address and cached value.
	refClean
)

func (s refState) String() string {
	switch s {
	case refAbsent:
		return "absent"
	case refDirty:
		return "dirty"
	case refUnloaded:
		return "unloaded"
	case refClean:
		return "clean"
	default:
		return "invalid"
	}
}

// kind is the type-specific half of a reference: how a referent is read
// from an address and how it is written, including anything that must be
// written before it.
type kind[T any] interface {
	load(s Store, addr storage.Address) (T, error)
	store(s Store, v T) (storage.Address, error)
}

// ref is a lazy proxy that holds an address, a value, both, or neither.
// An address is assigned at most once, by store, and never changes.
type ref[T any] struct {
	state refState
	addr  storage.Address
	value T
}

func absentRef[T any]() *ref[T] {
	return &ref[T]{state: refAbsent}
}

func dirtyRef[T any](v T) *ref[T] {
	return &ref[T]{state: refDirty, value: v}
}

// addressRef refers to a persisted record. NoAddress yields an absent ref.
func addressRef[T any](addr storage.Address) *ref[T] {
	if addr.IsZero() {
		return absentRef[T]()
	}
	return &ref[T]{state: refUnloaded, addr: addr}
}

func (r *ref[T]) isAbsent() bool { return r.state == refAbsent }

// address is NoAddress for absent and dirty refs.
func (r *ref[T]) address() storage.Address { return r.addr }

// follow returns the referent, reading and caching it if only the address is
// known. ok is false for an absent ref.
func (r *ref[T]) follow(s Store, k kind[T]) (v T, ok bool, err error) {
	switch r.state {
	case refAbsent:
		return v, false, nil
	case refDirty, refClean:
		return r.value, true, nil
	case refUnloaded:
		v, err = k.load(s, r.addr)
		if err != nil {
			return v, false, err
		}
		r.value = v
		r.state = refClean
		return v, true, nil
	default:
		panic("btree: invalid ref state " + r.state.String())
	}
}

// store persists a dirty referent and records its address. Refs that already
// have an address, and absent refs, are left alone.
func (r *ref[T]) store(s Store, k kind[T]) error {
	if r.state != refDirty {
		return nil
	}
	addr, err := k.store(s, r.value)
	if err != nil {
		return err
	}
	r.addr = addr
	r.state = refClean
	return nil
}
