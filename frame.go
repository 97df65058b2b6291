package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// frameHeaderSize is the 9-byte framing header: Index(4) Type(1) CRC(4).
const frameHeaderSize = 9

var crcTable = crc32.MakeTable(crc32.IEEE)

// checksum returns the CRC-32 (IEEE) of payload, as specified for the
// on-disk frame's CRC field.
func checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

// frameHeader is the fixed 9-byte prefix of every on-disk record:
//
//	┌ Index (4B, BE) ┬ Type (1B) ┬ CRC (4B, BE) ┐
//
// CRC covers only the payload that follows, never the header itself.
type frameHeader struct {
	Index uint32
	Type  uint8
	CRC   uint32
}

func (h frameHeader) encode() [frameHeaderSize]byte {
	var buf [frameHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Index)
	buf[4] = h.Type
	binary.BigEndian.PutUint32(buf[5:9], h.CRC)
	return buf
}

// writeFrameHeader writes h's 9 bytes to w.
func writeFrameHeader(w io.Writer, h frameHeader) error {
	buf := h.encode()
	n, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	if n != frameHeaderSize {
		return &ShortWriteError{Wanted: frameHeaderSize, Wrote: n}
	}
	return nil
}

// readFrameHeader reads and decodes a 9-byte frame header from r. A clean
// zero-byte read is reported as io.EOF; any other short read (1-8 bytes) is
// ErrUnexpectedEOF, since a torn header can never be completed later.
func readFrameHeader(r io.Reader) (frameHeader, error) {
	var buf [frameHeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	if n == 0 && err == io.EOF {
		return frameHeader{}, io.EOF
	}
	if err != nil {
		return frameHeader{}, ErrUnexpectedEOF
	}
	return frameHeader{
		Index: binary.BigEndian.Uint32(buf[0:4]),
		Type:  buf[4],
		CRC:   binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// frameByteLength reads exactly one frame (header + self-delimited payload)
// from r and returns its total on-disk length, without validating the CRC.
// It is used by Init to find the exact end of the last meta-recorded frame
// in the current segment, so any orphaned tail bytes (left by a crash
// between a segment write and its meta append, or by unused preallocated
// space) can be identified and truncated away.
func frameByteLength(r io.Reader, registry *Registry) (int64, error) {
	h, err := readFrameHeader(r)
	if err != nil {
		return 0, err
	}
	codec, err := registry.New(h.Type)
	if err != nil {
		return 0, err
	}
	_, n, err := codec.ReadPayload(r)
	if err != nil {
		return 0, err
	}
	return frameHeaderSize + n, nil
}
