package storage

import "errors"

var (
	// ErrClosed is returned by every operation on a closed Storage.
	ErrClosed = errors.New("storage closed")

	// ErrInvalidMagic means the file does not start with a kvdb superblock.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrInvalidVersion means the superblock was written by an unknown format version.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrCorruptRecord is wrapped by Read when the bytes at an address do not
	// form a valid record.
	ErrCorruptRecord = errors.New("corrupt record")
)
