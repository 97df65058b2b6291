package wal

import "io"

// Codec is a client-supplied payload encoder/decoder, registered under an
// 8-bit type tag. A codec instance is self-delimiting: ReadPayload must
// consume exactly the bytes belonging to one payload from r, with no
// length information stored outside the payload itself.
//
// The registry allocates a fresh Codec per decode via its factory; a codec
// is never shared between concurrent reads.
type Codec interface {
	// Type returns the tag this codec is registered under.
	Type() uint8

	// Marshal returns the self-delimiting encoded form of the codec's
	// current payload. This is exactly what gets written between the frame
	// header and the next frame, and is exactly what CRC-32 is computed
	// over.
	Marshal() ([]byte, error)

	// Unmarshal decodes raw (as produced by ReadPayload) into the codec.
	Unmarshal(raw []byte) error

	// ReadPayload consumes exactly one self-delimited payload from r,
	// returning its raw bytes (suitable for a later Unmarshal) and the
	// number of bytes consumed.
	ReadPayload(r io.Reader) (raw []byte, n int64, err error)
}

// Entry is a decoded logical record: a WAL-assigned index, the type tag of
// its codec, and the decoded payload itself.
type Entry struct {
	Index   uint32
	Type    uint8
	Payload Codec
}
