package wal

import (
	"io"
	"os"
)

// segmentReader performs random and sequential decoding of framed records
// from one segment file. It reads directly off the *os.File (no internal
// buffering): each frame is already satisfied in one or two syscalls, and
// skipping a bufio layer keeps the file's physical offset and the reader's
// logical position trivially in sync, which matters for ReadOffset.
type segmentReader struct {
	f        *os.File
	registry *Registry

	cur    *pendingFrame // last frame read by ReadNext, awaiting Decode
	closed bool
}

type pendingFrame struct {
	header frameHeader
	raw    []byte
}

func newSegmentReader(f *os.File, registry *Registry) *segmentReader {
	return &segmentReader{f: f, registry: registry}
}

// ReadNext advances the cursor by one frame: it parses the 9-byte header,
// allocates a fresh codec for the type tag, and consumes the payload bytes
// via the codec's ReadPayload, storing them undecoded. It returns false on
// clean EOF. CRC is not validated here — that is Decode's job.
func (r *segmentReader) ReadNext() (bool, error) {
	h, err := readFrameHeader(r.f)
	if err == io.EOF {
		r.cur = nil
		return false, nil
	}
	if err != nil {
		return false, err
	}

	codec, err := r.registry.New(h.Type)
	if err != nil {
		return false, err
	}
	raw, _, err := codec.ReadPayload(r.f)
	if err != nil {
		return false, err
	}

	r.cur = &pendingFrame{header: h, raw: raw}
	return true, nil
}

// Decode validates the CRC of the last frame read by ReadNext against the
// header's CRC, then decodes the payload via its codec.
func (r *segmentReader) Decode() (Entry, error) {
	if r.cur == nil {
		return Entry{}, ErrNoCurrentEntry
	}
	if checksum(r.cur.raw) != r.cur.header.CRC {
		return Entry{}, ErrCorruptEntry
	}
	codec, err := r.registry.New(r.cur.header.Type)
	if err != nil {
		return Entry{}, err
	}
	if err := codec.Unmarshal(r.cur.raw); err != nil {
		return Entry{}, err
	}
	return Entry{Index: r.cur.header.Index, Type: r.cur.header.Type, Payload: codec}, nil
}

// SeekEnd repeatedly calls ReadNext until clean EOF, returning the index of
// the last successfully read frame. ok is false if the segment holds no
// frames at all.
func (r *segmentReader) SeekEnd() (lastIndex uint32, ok bool, err error) {
	for {
		more, err := r.ReadNext()
		if err != nil {
			return lastIndex, ok, err
		}
		if !more {
			return lastIndex, ok, nil
		}
		lastIndex = r.cur.header.Index
		ok = true
	}
}

// ReadOffset performs a one-shot random read at byteOffset, validating the
// CRC and decoding the payload.
func (r *segmentReader) ReadOffset(byteOffset int64) (Entry, error) {
	if _, err := r.f.Seek(byteOffset, io.SeekStart); err != nil {
		return Entry{}, err
	}
	more, err := r.ReadNext()
	if err != nil {
		return Entry{}, err
	}
	if !more {
		return Entry{}, ErrNoCurrentEntry
	}
	return r.Decode()
}

func (r *segmentReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
