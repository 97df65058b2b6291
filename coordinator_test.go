package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawEntry(s string) *RawCodec { return &RawCodec{Data: []byte(s)} }

// Scenario 1: empty init then a single write produces exactly the bytes
// the framing and codec layout predict.
func TestScenarioEmptyInitThenSingleWrite(t *testing.T) {
	dir := t.TempDir()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close()

	idx, err := c.Write(rawEntry("test"))
	require.NoError(t, err)
	require.EqualValues(t, 0, idx)

	stat, err := os.Stat(segmentPath(dir, 0))
	require.NoError(t, err)
	require.EqualValues(t, frameHeaderSize+8, stat.Size(), "9-byte frame header + 4-byte length prefix + 4 payload bytes")

	require.EqualValues(t, 1, c.NextIndex())
	require.EqualValues(t, -1, c.CommitIndex())
}

// Scenario 2: recovering a directory where nothing was ever committed
// discards every pre-existing entry.
func TestScenarioRecoverFromUncommittedSegments(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(1<<20))
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("test-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	c2, err := New(dir, WithMaxSegmentSize(1<<20))
	require.NoError(t, err)
	defer c2.Close()

	require.EqualValues(t, -1, c2.CommitIndex())
	require.EqualValues(t, 500, c2.NextIndex())

	require.NoError(t, c2.Recover(DefaultRecoverHandler))
	require.EqualValues(t, 0, c2.NextIndex(), "everything was uncommitted, so recover discards all 500 entries")
	_, ok := c2.LastIndex()
	require.False(t, ok)
}

// Scenario 3: concurrent writes are assigned indices in lock-acquisition
// order and every payload is durably present afterward.
func TestScenarioConcurrentWritesPreserveOrder(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(10*1024))
	require.NoError(t, err)
	defer c.Close()

	const n = 2000 // scaled down from 10000 to keep test runtime reasonable
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Write(rawEntry(fmt.Sprintf("test-%d", i)))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	last, ok := c.LastIndex()
	require.True(t, ok)
	require.EqualValues(t, n-1, last)

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		entry, err := c.Get(uint32(i))
		require.NoError(t, err)
		require.EqualValues(t, i, entry.Index)
		seen[string(entry.Payload.(*RawCodec).Data)] = true
	}
	for i := 0; i < n; i++ {
		require.True(t, seen[fmt.Sprintf("test-%d", i)])
	}
}

// Scenario 4: recovering with a handler that rejects beyond a threshold
// truncates exactly at that boundary.
func TestScenarioRecoverWithHandlerBoundsSuffix(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("test-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.CommitUpTo(499))

	err = c.Recover(func(i uint32, _ Entry) (bool, error) {
		return i < 800, nil
	})
	require.NoError(t, err)

	last, ok := c.LastIndex()
	require.True(t, ok)
	require.EqualValues(t, 799, last)

	for i := 0; i < 800; i++ {
		entry, err := c.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("test-%d", i)), entry.Payload.(*RawCodec).Data)
	}
	_, err = c.Get(800)
	require.Error(t, err)
}

// Scenario 5: compact reclaims the committed prefix and deletes the
// segments that held only committed entries.
func TestScenarioCompactRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(1024), WithMinEntriesForCompaction(100))
	require.NoError(t, err)
	defer c.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("test-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.CommitUpTo(499))

	segOfCommit, _, err := c.meta.Position(499)
	require.NoError(t, err)

	ok, err := c.Compact()
	require.NoError(t, err)
	require.True(t, ok)

	for id := uint32(0); id < segOfCommit; id++ {
		_, err := os.Stat(segmentPath(dir, id))
		require.True(t, os.IsNotExist(err), "segment %d should have been deleted by compact", id)
	}

	_, err = c.Get(0)
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = c.Get(800)
	require.NoError(t, err)
}

// Scenario 6: archive behaves like compact for the live directory, but the
// removed segments land unchanged under the archive directory.
func TestScenarioArchivePreservesBytesOffSide(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	c, err := New(dir, WithMaxSegmentSize(1024), WithMinEntriesForCompaction(100))
	require.NoError(t, err)
	defer c.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("test-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.CommitUpTo(499))

	segOfCommit, _, err := c.meta.Position(499)
	require.NoError(t, err)

	before := make(map[uint32][]byte)
	for id := uint32(0); id < segOfCommit; id++ {
		b, err := os.ReadFile(segmentPath(dir, id))
		require.NoError(t, err)
		before[id] = b
	}

	ok, err := c.Archive(archiveDir)
	require.NoError(t, err)
	require.True(t, ok)

	for id, want := range before {
		got, err := os.ReadFile(segmentPath(archiveDir, id))
		require.NoError(t, err)
		require.Equal(t, want, got)
		_, err = os.Stat(segmentPath(dir, id))
		require.True(t, os.IsNotExist(err))
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Init())
}

func TestCloseThenWriteFails(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Write(rawEntry("test"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Close(), ErrClosed)
}

func TestCompactBelowThresholdIsNoOp(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMinEntriesForCompaction(1000))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 10; i++ {
		_, err := c.Write(rawEntry("x"))
		require.NoError(t, err)
	}
	require.NoError(t, c.CommitUpTo(9))

	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	ok, err := c.Compact()
	require.NoError(t, err)
	require.False(t, ok)

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after), "a rejected compact leaves the directory unchanged")
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(64))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 20; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("payload-%02d", i)))
		require.NoError(t, err)
	}
	require.Greater(t, c.CurrentSegmentID(), uint32(0))
}

func TestReopenAfterCloseSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(256))
	require.NoError(t, err)

	var indices []uint32
	for i := 0; i < 50; i++ {
		idx, err := c.Write(rawEntry(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		indices = append(indices, idx)
	}
	require.NoError(t, c.CommitUpTo(49))
	require.NoError(t, c.Close())

	c2, err := New(dir, WithMaxSegmentSize(256))
	require.NoError(t, err)
	defer c2.Close()

	require.EqualValues(t, 50, c2.NextIndex())
	require.EqualValues(t, 49, c2.CommitIndex())
	for _, idx := range indices {
		entry, err := c2.Get(idx)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("e%d", idx)), entry.Payload.(*RawCodec).Data)
	}
}

func TestSecondInstanceRejectedByAdvisoryLock(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close()

	_, err = New(dir)
	require.ErrorIs(t, err, ErrAlreadyOwned)
}

// A large MaxSegmentSize must not make preallocation grow the live
// segment's observed length ahead of what was actually written to it.
func TestPreallocationDoesNotGrowLiveSegmentSize(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(10<<20))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(rawEntry("test"))
	require.NoError(t, err)

	stat, err := os.Stat(segmentPath(dir, 0))
	require.NoError(t, err)
	require.EqualValues(t, frameHeaderSize+8, stat.Size(),
		"a 10MiB MaxSegmentSize must not make a single 4-byte write report a 10MiB file")
}

// Recover truncating away a trailing segment's worth of entries, followed
// by a fresh Write, must not fail with ErrOutOfOrderSegment: reopening the
// earlier segment has to rewind CurrentSegment too.
func TestWriteAfterCrossSegmentTruncateSucceeds(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(64))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 10; i++ {
		_, err := c.Write(rawEntry(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}
	require.Greater(t, c.CurrentSegmentID(), uint32(0), "writes must have rolled into a later segment")

	require.NoError(t, c.Truncate(1))
	require.EqualValues(t, 0, c.CurrentSegmentID(), "truncating into segment 0 must reopen it as current")

	idx, err := c.Write(rawEntry("after-truncate"))
	require.NoError(t, err, "a write after a cross-segment truncate must not be rejected as out of order")
	require.EqualValues(t, 1, idx)
}

// Concurrent writers landing in the same segment must all observe their
// write as durable once Write returns, regardless of which goroutine's
// singleflight call actually performed the fsync.
func TestConcurrentWritesAllDurableAfterReturn(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, WithMaxSegmentSize(1<<20))
	require.NoError(t, err)
	defer c.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			idx, err := c.Write(rawEntry(fmt.Sprintf("d%d", i)))
			require.NoError(t, err)
			entry, err := c.Get(idx)
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("d%d", i)), entry.Payload.(*RawCodec).Data)
		}(i)
	}
	wg.Wait()
}
