// Package storage implements the append-only single-file engine underneath
// kvdb.
//
// The file starts with a fixed superblock holding the address of the current
// tree root, followed by self-framed records that are never rewritten. A new
// tree version becomes visible to every reader the moment its root address
// lands in the superblock, which CommitRootAddress does only after the
// version's records have been flushed.
//
// Locking is advisory: it prevents interleaved writers only when every writer
// goes through Lock. Readers never lock.
package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/internal/compression"
)

const (
	// MagicNumber identifies a kvdb file ("KVDB" in ASCII).
	MagicNumber uint32 = 0x4B564442

	// Version of the file format.
	Version uint32 = 1

	// SuperblockSize is the size of the reserved region at the start of the file.
	SuperblockSize = 4096

	// rootOffset is where the root address lives inside the superblock.
	rootOffset = 8
)

// Address is the byte offset at which a record starts.
type Address uint64

// NoAddress is the empty-tree sentinel. No record can start inside the
// superblock, so zero is never a valid record address.
const NoAddress Address = 0

// IsZero reports whether a is the empty sentinel.
func (a Address) IsZero() bool { return a == NoAddress }

// Options configures a Storage.
type Options struct {
	// Compression is applied to the body of every record written.
	// Records written with other codecs remain readable.
	Compression compression.Type

	// NoSync skips fsync around root publication. Only for tests and
	// throwaway data.
	NoSync bool

	// Logger receives debug output. Defaults to a null logger.
	Logger hclog.Logger
}

// Storage manages the backing file.
type Storage struct {
	file        *os.File
	path        string
	locked      bool
	closed      bool
	compression compression.Type
	noSync      bool
	log         hclog.Logger
}

// Open opens the file at path, creating it with an empty superblock if it
// does not exist or is empty.
func Open(path string, opts Options) (*Storage, error) {
	if !opts.Compression.IsSupported() {
		return nil, fmt.Errorf("compression %s: not supported", opts.Compression)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		file:        file,
		path:        path,
		compression: opts.Compression,
		noSync:      opts.NoSync,
		log:         opts.Logger,
	}
	if s.log == nil {
		s.log = hclog.NewNullLogger()
	}

	if err := s.ensureSuperblock(); err != nil {
		_ = s.closeFile()
		return nil, err
	}
	s.log.Debug("opened storage", "path", path, "compression", s.compression.String())
	return s, nil
}

// ensureSuperblock writes a fresh superblock into an empty file, or checks
// the existing one.
func (s *Storage) ensureSuperblock() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		// Another process may be initializing the same file.
		if _, err := s.Lock(); err != nil {
			return err
		}
		info, err = s.file.Stat()
		if err == nil && info.Size() == 0 {
			err = s.initializeNewFile()
		}
		if unlockErr := s.Unlock(); err == nil {
			err = unlockErr
		}
		if err != nil {
			return err
		}
	}
	return s.readHeader()
}

// initializeNewFile writes a zeroed superblock carrying magic, version and
// the empty root.
func (s *Storage) initializeNewFile() error {
	block := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint32(block[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(block[4:8], Version)
	binary.LittleEndian.PutUint64(block[rootOffset:rootOffset+8], uint64(NoAddress))
	if _, err := s.file.WriteAt(block, 0); err != nil {
		return err
	}
	return s.sync()
}

// readHeader validates magic and version.
func (s *Storage) readHeader() error {
	var header [rootOffset]byte
	if _, err := s.file.ReadAt(header[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrInvalidMagic
		}
		return err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != MagicNumber {
		return ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(header[4:8]) != Version {
		return ErrInvalidVersion
	}
	return nil
}

// RootAddress reads the currently published root address from the superblock.
func (s *Storage) RootAddress() (Address, error) {
	if s.closed {
		return NoAddress, ErrClosed
	}
	var buf [8]byte
	if _, err := s.file.ReadAt(buf[:], rootOffset); err != nil {
		return NoAddress, fmt.Errorf("read root address: %w", err)
	}
	return Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// CommitRootAddress publishes addr as the new root. It locks, flushes all
// appended records, writes the fixed-width root field, flushes again and
// unlocks.
func (s *Storage) CommitRootAddress(addr Address) error {
	if s.closed {
		return ErrClosed
	}
	if _, err := s.Lock(); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return fmt.Errorf("sync records: %w", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(addr))
	if _, err := s.file.WriteAt(buf[:], rootOffset); err != nil {
		return fmt.Errorf("write root address: %w", err)
	}
	if err := s.sync(); err != nil {
		return fmt.Errorf("sync superblock: %w", err)
	}
	s.log.Debug("committed root", "address", uint64(addr))
	return s.Unlock()
}

// Lock takes the exclusive advisory lock. It reports whether this call
// performed the unlocked to locked transition; it returns false without
// touching the file when the lock is already held by this Storage.
func (s *Storage) Lock() (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	if s.locked {
		return false, nil
	}
	if err := lockFile(s.file); err != nil {
		return false, fmt.Errorf("lock %s: %w", s.path, err)
	}
	s.locked = true
	return true, nil
}

// Unlock releases the lock. Unlocking an unlocked Storage is a no-op.
func (s *Storage) Unlock() error {
	if s.closed {
		return ErrClosed
	}
	if !s.locked {
		return nil
	}
	if err := unlockFile(s.file); err != nil {
		return fmt.Errorf("unlock %s: %w", s.path, err)
	}
	s.locked = false
	return nil
}

// Locked reports whether this Storage holds the lock.
func (s *Storage) Locked() bool {
	return s.locked
}

// Closed reports whether Close has been called.
func (s *Storage) Closed() bool {
	return s.closed
}

// Path returns the path the Storage was opened with.
func (s *Storage) Path() string {
	return s.path
}

// Size returns the current length of the file in bytes.
func (s *Storage) Size() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Sync flushes the file to stable storage, regardless of NoSync.
func (s *Storage) Sync() error {
	if s.closed {
		return ErrClosed
	}
	return s.file.Sync()
}

// CopyTo writes a byte-for-byte copy of the file to w. The lock is held for
// the duration so no writer can publish mid-copy.
func (s *Storage) CopyTo(w io.Writer) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	acquired, err := s.Lock()
	if err != nil {
		return 0, err
	}
	if acquired {
		defer func() {
			if unlockErr := s.Unlock(); unlockErr != nil {
				s.log.Warn("unlock after copy", "error", unlockErr)
			}
		}()
	}
	size, err := s.Size()
	if err != nil {
		return 0, err
	}
	return io.Copy(w, io.NewSectionReader(s.file, 0, size))
}

// Close releases the lock, if held, and closes the file.
func (s *Storage) Close() error {
	if s.closed {
		return ErrClosed
	}
	var unlockErr error
	if s.locked {
		unlockErr = s.Unlock()
	}
	s.closed = true
	if err := s.closeFile(); err != nil {
		return err
	}
	return unlockErr
}

func (s *Storage) closeFile() error {
	return s.file.Close()
}

func (s *Storage) sync() error {
	if s.noSync {
		return nil
	}
	return s.file.Sync()
}
