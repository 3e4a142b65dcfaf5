package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/conuredb/kvdb/internal/compression"
)

// RecordHeaderSize is the size of the header preceding every record body:
// body length (uint32), codec (uint8) and XXH3-64 of the body (uint64).
const RecordHeaderSize = 13

// Write appends data as a new record and returns its address. The lock is
// taken first if this Storage does not already hold it. Writing the same
// logical object twice yields two records; callers only write objects that
// have no address yet.
func (s *Storage) Write(data []byte) (Address, error) {
	if s.closed {
		return NoAddress, ErrClosed
	}
	if _, err := s.Lock(); err != nil {
		return NoAddress, err
	}

	body, err := compression.Compress(s.compression, data)
	if err != nil {
		return NoAddress, fmt.Errorf("compress record: %w", err)
	}
	if uint64(len(body)) > math.MaxUint32 {
		return NoAddress, fmt.Errorf("record of %d bytes is too large", len(body))
	}

	buf := make([]byte, RecordHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	buf[4] = byte(s.compression)
	binary.LittleEndian.PutUint64(buf[5:13], xxh3.Hash(body))
	copy(buf[RecordHeaderSize:], body)

	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return NoAddress, fmt.Errorf("seek end: %w", err)
	}
	if end < SuperblockSize {
		return NoAddress, fmt.Errorf("file shorter than superblock: %d bytes", end)
	}
	if _, err := s.file.WriteAt(buf, end); err != nil {
		return NoAddress, fmt.Errorf("write record: %w", err)
	}
	s.log.Trace("wrote record", "address", end, "length", len(data), "stored", len(body))
	return Address(end), nil
}

// Read returns the payload of the record at addr, exactly as passed to Write.
func (s *Storage) Read(addr Address) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if addr < SuperblockSize {
		return nil, fmt.Errorf("address %d inside superblock: %w", addr, ErrCorruptRecord)
	}

	var header [RecordHeaderSize]byte
	if _, err := s.file.ReadAt(header[:], int64(addr)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("record header at %d: %w", addr, ErrCorruptRecord)
		}
		return nil, fmt.Errorf("read record header at %d: %w", addr, err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	codec := compression.Type(header[4])
	sum := binary.LittleEndian.Uint64(header[5:13])
	if !codec.IsSupported() {
		return nil, fmt.Errorf("record at %d has codec %d: %w", addr, header[4], ErrCorruptRecord)
	}

	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	if int64(addr)+RecordHeaderSize+int64(length) > size {
		return nil, fmt.Errorf("record at %d overruns file: %w", addr, ErrCorruptRecord)
	}

	body := make([]byte, length)
	if _, err := s.file.ReadAt(body, int64(addr)+RecordHeaderSize); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read record body at %d: %w", addr, err)
	}
	if xxh3.Hash(body) != sum {
		return nil, fmt.Errorf("record at %d checksum mismatch: %w", addr, ErrCorruptRecord)
	}

	data, err := compression.Decompress(codec, body)
	if err != nil {
		return nil, fmt.Errorf("record at %d: %v: %w", addr, err, ErrCorruptRecord)
	}
	return data, nil
}
