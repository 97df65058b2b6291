// Package wal implements a segmented, crash-safe write-ahead log.
//
// Entries are appended to size-bounded segment files under a single
// directory and indexed by a separate file, index.META, that maps each
// logical index to the (segment, byte offset) it lives at. A Coordinator
// is the package's single entry point: it owns the directory, serializes
// writers, and coordinates the segment and meta index so that Write,
// CommitUpTo, Truncate, Compact, and Archive stay consistent across a
// crash at any point.
//
// Payloads are pluggable: register a Codec under a type tag in a Registry
// and pass it to New via WithRegistry, or use the built-in RawCodec for
// opaque byte slices.
package wal
