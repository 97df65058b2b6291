package wal

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the WAL. Check them with errors.Is.
var (
	// ErrClosed is returned by operations attempted on a closed Coordinator.
	ErrClosed = errors.New("wal: closed")

	// ErrInvalidMetaMarker is returned when index.META's header does not
	// begin with the "META" marker.
	ErrInvalidMetaMarker = errors.New("wal: invalid meta marker")

	// ErrUnknownType is returned when a frame read back from a segment
	// references a type tag that was never registered. Write does not check
	// the registry.
	ErrUnknownType = errors.New("wal: unknown entry type")

	// ErrCorruptEntry is returned when a decoded payload's CRC-32 does not
	// match the frame header's CRC.
	ErrCorruptEntry = errors.New("wal: corrupt entry: checksum mismatch")

	// ErrUnexpectedEOF is returned when a frame header is torn (1-8 of the
	// 9 header bytes present). A clean zero-byte read is io.EOF, not this.
	ErrUnexpectedEOF = errors.New("wal: unexpected eof reading frame header")

	// ErrNoCurrentEntry is returned by Decode when called before a
	// successful ReadNext.
	ErrNoCurrentEntry = errors.New("wal: no current entry; call ReadNext first")

	// ErrOutOfBounds is returned by Position/Truncate for an index outside
	// [Base, Head).
	ErrOutOfBounds = errors.New("wal: index out of bounds")

	// ErrTruncateCommitted is returned when Truncate's target is at or
	// before the commit index.
	ErrTruncateCommitted = errors.New("wal: cannot truncate at or before the commit index")

	// ErrOutOfOrderSegment is returned when the meta manager is asked to
	// append a record whose segment ID regresses CurrentSegment.
	ErrOutOfOrderSegment = errors.New("wal: out-of-order segment id")

	// ErrAlreadyCommitted is returned by CommitUpTo when the requested
	// index is at or before the current commit index.
	ErrAlreadyCommitted = errors.New("wal: index already committed")

	// ErrAlreadyOwned is returned by Init when another instance already
	// holds the WAL directory's advisory lock.
	ErrAlreadyOwned = errors.New("wal: directory already owned by another instance")
)

// OutOfOrderCommitError is returned by commit(i) when i skips ahead of
// Commit+1. Expected carries the index that would have been accepted.
type OutOfOrderCommitError struct {
	Expected uint32
}

func (e *OutOfOrderCommitError) Error() string {
	return fmt.Sprintf("wal: out-of-order commit: expected %d", e.Expected)
}

// ShortWriteError is returned by the buffered file writer when an
// underlying write returns fewer bytes than requested. The writer never
// silently retries; the caller decides.
type ShortWriteError struct {
	Wanted, Wrote int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("wal: short write: wanted %d bytes, wrote %d", e.Wanted, e.Wrote)
}
