package wal

import (
	"io"
	"os"
)

// segmentWriter appends framed records to one segment file through a
// bufferedFileWriter. It must be driven by a single writer at a time — the
// Coordinator's write lock provides that guarantee.
type segmentWriter struct {
	f    *os.File
	bw   *bufferedFileWriter
	size int64 // startSize plus the bytes appended since construction
}

// newSegmentWriter wraps f for appending, starting its running size at
// startSize (the file's length when reopened for an existing segment, or 0
// for a freshly created one).
func newSegmentWriter(f *os.File, startSize int64, bufSize int) *segmentWriter {
	return &segmentWriter{
		f:    f,
		bw:   newBufferedFileWriter(f, bufSize),
		size: startSize,
	}
}

// Write emits the 9-byte frame header followed by payload, returning the
// byte offset the record begins at (equal to the cumulative bytes written
// before this call).
func (w *segmentWriter) Write(index uint32, typ uint8, crc uint32, payload []byte) (priorSize int64, err error) {
	priorSize = w.size
	h := frameHeader{Index: index, Type: typ, CRC: crc}
	if err := writeFrameHeader(w.bw, h); err != nil {
		return priorSize, err
	}
	if len(payload) > 0 {
		n, err := w.bw.Write(payload)
		w.size += int64(frameHeaderSize + n)
		if err != nil {
			return priorSize, err
		}
		return priorSize, nil
	}
	w.size += frameHeaderSize
	return priorSize, nil
}

// Sync flushes the buffered writer: the durability point for every record
// written so far.
func (w *segmentWriter) Sync() error {
	return w.bw.Flush()
}

// Size returns the segment's logical length: startSize plus the bytes
// appended since construction.
func (w *segmentWriter) Size() int64 {
	return w.size
}

// truncateTo discards any buffered bytes and truncates the segment file to
// off, repositioning the write cursor there. Used by Init to drop orphaned
// tail bytes past the last meta-recorded frame, and by Coordinator.Truncate
// to cut the segment that becomes current at the truncation point.
func (w *segmentWriter) truncateTo(off int64) error {
	w.bw.reset()
	if _, err := w.f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if err := w.f.Truncate(off); err != nil {
		return err
	}
	w.size = off
	return nil
}

// Close truncates away any unused preallocated tail, flushes, and releases
// the file handle.
func (w *segmentWriter) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Truncate(w.size); err != nil {
		return err
	}
	return w.f.Close()
}
