package btree

import "bytes"

// Codec turns keys or values into record bytes and back.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

type bytesCodec struct{}

func (bytesCodec) Marshal(b []byte) ([]byte, error) { return b, nil }

// Unmarshal copies, since decoded keys outlive the record buffer in the node cache.
func (bytesCodec) Unmarshal(b []byte) ([]byte, error) {
	if b == nil {
		return []byte{}, nil
	}
	return bytes.Clone(b), nil
}

type stringCodec struct{}

func (stringCodec) Marshal(s string) ([]byte, error) { return []byte(s), nil }

func (stringCodec) Unmarshal(b []byte) (string, error) { return string(b), nil }

var (
	// Bytes stores []byte keys or values verbatim.
	Bytes Codec[[]byte] = bytesCodec{}

	// String stores strings as their UTF-8 bytes.
	String Codec[string] = stringCodec{}
)
