package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	segmentFileExt = ".wal"
	lockFileName   = "LOCK"
)

type coordinatorState int

const (
	stateUninitialized coordinatorState = iota
	stateReady
	stateClosed
)

// Coordinator is the single entry point a client interacts with: it owns
// one WAL directory, serializing writers through an internal mutex and
// fanning a committed Write out to both the current segment and the meta
// index.
type Coordinator struct {
	dir string
	cfg Config

	mu    sync.Mutex
	state coordinatorState

	meta *metaManager

	seg           *segmentWriter
	currSegmentID uint32
	hasSegment    bool

	lockFile *os.File

	sf singleflight.Group

	logger  *zap.Logger
	metrics *Metrics
}

// New constructs a Coordinator for dir, applying opts over the defaults,
// and calls Init.
func New(dir string, opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Coordinator{
		dir:     dir,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

// Init is idempotent: calling it on an already-ready Coordinator is a
// no-op. It creates the directory if absent, acquires the advisory
// exclusive lock, opens or creates index.META, discovers existing segment
// files, reopens the highest-numbered one, and truncates any orphaned tail
// bytes left past the last meta-recorded frame.
func (c *Coordinator) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateReady {
		return nil
	}
	if c.state == stateClosed {
		return ErrClosed
	}

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}

	lockPath := filepath.Join(c.dir, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if err := lockFileNonBlocking(lf); err != nil {
		lf.Close()
		return err
	}

	meta, err := openOrCreateMeta(c.dir, c.cfg.Meta, c.logger, c.metrics)
	if err != nil {
		unlockFile(lf)
		lf.Close()
		return err
	}

	segIDs, err := listSegmentIDs(c.dir)
	if err != nil {
		meta.Close()
		unlockFile(lf)
		lf.Close()
		return err
	}

	c.lockFile = lf
	c.meta = meta

	if len(segIDs) > 0 {
		last := segIDs[len(segIDs)-1]
		if err := c.openExistingSegment(last); err != nil {
			meta.Close()
			unlockFile(lf)
			lf.Close()
			return err
		}
		if err := c.truncateOrphanTail(); err != nil {
			c.seg.Close()
			meta.Close()
			unlockFile(lf)
			lf.Close()
			return err
		}
	}

	if c.metrics != nil {
		c.metrics.setSegmentCount(len(segIDs))
	}
	c.state = stateReady
	return nil
}

func listSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, segmentFileExt) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentFileExt), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, segmentFileExt))
}

func (c *Coordinator) openExistingSegment(id uint32) error {
	f, err := os.OpenFile(segmentPath(c.dir, id), os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	c.seg = newSegmentWriter(f, stat.Size(), c.cfg.WriterBufferSize)
	c.currSegmentID = id
	c.hasSegment = true
	return nil
}

// truncateOrphanTail walks the current segment forward from the byte
// offset of the last meta-recorded frame in it, discarding any bytes past
// that point: a crash between a segment write and its meta append, or
// leftover preallocated padding from an interrupted run.
func (c *Coordinator) truncateOrphanTail() error {
	head := c.meta.Head()
	var validEnd int64
	if head > c.meta.Base() {
		segID, off, err := c.meta.Position(head - 1)
		if err != nil {
			return err
		}
		if segID != c.currSegmentID {
			// The last recorded entry lives in an earlier, already-closed
			// segment; the current segment holds nothing meta knows about.
			validEnd = 0
		} else {
			rf, err := os.Open(segmentPath(c.dir, c.currSegmentID))
			if err != nil {
				return err
			}
			if _, err := rf.Seek(off, io.SeekStart); err != nil {
				rf.Close()
				return err
			}
			n, err := frameByteLength(rf, c.cfg.Registry)
			rf.Close()
			if err != nil {
				return err
			}
			validEnd = off + n
		}
	}
	if validEnd < c.seg.Size() {
		c.logger.Warn("wal: truncating orphaned tail bytes past the last recorded frame",
			zap.Uint32("segment", c.currSegmentID), zap.Int64("valid_end", validEnd), zap.Int64("observed_size", c.seg.Size()))
		return c.seg.truncateTo(validEnd)
	}
	return nil
}

// Write appends payload, assigning it the next logical index. Index
// assignment and the append to the segment and index.META happen under the
// write lock to keep ordering deterministic; the matching fsync runs after
// the lock is released (see scheduleSync) so concurrent writers queued up
// behind an in-flight fsync can share it instead of each issuing their own.
func (c *Coordinator) Write(payload Codec) (uint32, error) {
	c.mu.Lock()

	if c.state != stateReady {
		c.mu.Unlock()
		return 0, ErrClosed
	}

	raw, err := payload.Marshal()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	crc := checksum(raw)

	if err := c.rollIfNeededLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	nextIndex := c.meta.Head()
	seg, segID := c.seg, c.currSegmentID
	priorSize, err := seg.Write(nextIndex, payload.Type(), crc, raw)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}

	if _, err := c.meta.Append(segID, uint32(priorSize)); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	if c.metrics != nil {
		c.metrics.incWrites()
	}
	c.mu.Unlock()

	if err := c.scheduleSync(segID, seg); err != nil {
		return 0, err
	}
	return nextIndex, nil
}

// rollIfNeededLocked starts a fresh segment if no segment is open yet, or
// if the current one has reached MaxSegmentSize. A segment can therefore
// exceed MaxSegmentSize by at most the one record that crossed it.
func (c *Coordinator) rollIfNeededLocked() error {
	if c.hasSegment && c.seg.Size() < c.cfg.MaxSegmentSize {
		return nil
	}

	var newID uint32
	if c.hasSegment {
		if err := c.seg.Close(); err != nil {
			return err
		}
		newID = c.currSegmentID + 1
	} else {
		newID = 0
	}

	f, err := os.OpenFile(segmentPath(c.dir, newID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := preallocate(f, c.cfg.MaxSegmentSize); err != nil {
		f.Close()
		return err
	}

	c.seg = newSegmentWriter(f, 0, c.cfg.WriterBufferSize)
	c.currSegmentID = newID
	c.hasSegment = true

	if c.metrics != nil {
		c.metrics.incRolls()
	}
	return nil
}

// scheduleSync flushes seg (the segment a just-completed Write appended to)
// and fsyncs it. It is called without c.mu held, so writers that reach it
// while another goroutine's flush for the same segment is already in
// flight block in singleflight.Do and receive that flight's result instead
// of issuing a redundant fsync of their own. The singleflight key is the
// segment ID rather than a constant: two calls can only safely share one
// fsync if they target the same file, and a rollover between them must not
// let a waiter for the new segment be satisfied by a flight that only
// flushed the old one.
//
// A flight this caller joined may have taken its snapshot of the buffer
// before the caller's bytes reached it, so a shared result is followed by
// one more Do: any flight in progress at that point started after the
// joined one finished, and therefore after this caller's append.
func (c *Coordinator) scheduleSync(segID uint32, seg *segmentWriter) error {
	key := strconv.FormatUint(uint64(segID), 10)
	flush := func() (interface{}, error) {
		if err := seg.Sync(); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.incFsyncs()
		}
		return nil, nil
	}
	_, err, shared := c.sf.Do(key, flush)
	if err == nil && shared {
		_, err, _ = c.sf.Do(key, flush)
	}
	return err
}

// Sync forces a durability fence on demand, outside of Write's implicit
// one: flushes the current segment's buffer and fsyncs it. A log that has
// never had a Write yet has no segment to flush and Sync is a no-op.
func (c *Coordinator) Sync() error {
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.hasSegment {
		c.mu.Unlock()
		return nil
	}
	seg, segID := c.seg, c.currSegmentID
	c.mu.Unlock()
	return c.scheduleSync(segID, seg)
}

// Commit advances the commit index by exactly one step, delegating
// directly to the meta manager: idempotent for index <= Commit, and
// OutOfOrderCommitError if index skips ahead of Commit+1.
func (c *Coordinator) Commit(index uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return ErrClosed
	}
	_, err := c.meta.Commit(index)
	return err
}

// CommitUpTo advances the commit index to index one step at a time,
// [Commit+1, index]. It fails ErrAlreadyCommitted if index is already at or
// before the current commit index, rather than silently no-op'ing like a
// single Commit call would.
func (c *Coordinator) CommitUpTo(index uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return ErrClosed
	}

	commit := c.meta.Commit()
	if int32(index) <= commit {
		return ErrAlreadyCommitted
	}
	for i := uint32(commit + 1); i <= index; i++ {
		if _, err := c.meta.Commit(i); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRecoverHandler rejects every entry it sees, so Recover truncates
// at the first uncommitted index. Pass it to Recover when the caller has
// no way to re-validate uncommitted entries against downstream state.
func DefaultRecoverHandler(uint32, Entry) (bool, error) { return false, nil }

// Recover replays every entry in [Commit+1, Head) through handler, calling
// it in ascending index order. Recover does not take the write lock: it is
// meant to run once after Init, before any concurrent Write traffic starts,
// and calling it concurrently with Write is the caller's responsibility to
// avoid.
//
// Per the worked recovery scenario, the only true no-op case is
// Commit == Head-1 (nothing uncommitted to replay) — including the
// initial Commit == -1, Head == 0 state. Commit == -1 with Head > 0 (no
// entry was ever committed, but entries exist) is not a no-op: every
// existing entry is uncommitted and gets replayed.
func (c *Coordinator) Recover(handler func(index uint32, entry Entry) (keep bool, err error)) error {
	c.mu.Lock()
	head := c.meta.Head()
	commit := c.meta.Commit()
	c.mu.Unlock()

	if int64(commit) == int64(head)-1 {
		return nil
	}

	start := uint32(commit + 1)
	for idx := start; idx < head; idx++ {
		entry, err := c.getEntry(idx)
		if err != nil {
			return err
		}
		keep, err := handler(idx, entry)
		if err != nil {
			return err
		}
		if !keep {
			return c.Truncate(idx)
		}
		if err := c.Commit(idx); err != nil {
			return err
		}
	}
	return nil
}

// getEntry reads and decodes a single entry by logical index, opening its
// own short-lived read handle on whatever segment holds it.
func (c *Coordinator) getEntry(index uint32) (Entry, error) {
	segID, off, err := c.meta.Position(index)
	if err != nil {
		return Entry{}, err
	}

	var f *os.File
	c.mu.Lock()
	if c.hasSegment && segID == c.currSegmentID {
		if err := c.seg.Sync(); err != nil {
			c.mu.Unlock()
			return Entry{}, err
		}
	}
	c.mu.Unlock()

	f, err = os.Open(segmentPath(c.dir, segID))
	if err != nil {
		return Entry{}, err
	}
	r := newSegmentReader(f, c.cfg.Registry)
	defer r.Close()
	return r.ReadOffset(off)
}

// Get returns the decoded entry at index.
func (c *Coordinator) Get(index uint32) (Entry, error) {
	return c.getEntry(index)
}

// Truncate discards every entry from fromLogIndex onward. fromLogIndex must
// be strictly after the commit index. If the truncation point falls within
// the currently open segment, that segment is truncated in place and kept
// open; otherwise the current writer is closed, every segment file between
// the target and the (old) current segment is deleted, and the target
// segment is reopened read-write as the new current segment.
func (c *Coordinator) Truncate(fromLogIndex uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return ErrClosed
	}

	segID, off, err := c.meta.Position(fromLogIndex)
	if err != nil {
		return err
	}

	if err := c.meta.Truncate(fromLogIndex); err != nil {
		return err
	}

	if c.hasSegment && segID == c.currSegmentID {
		return c.seg.truncateTo(off)
	}

	if c.hasSegment {
		if err := c.seg.Close(); err != nil {
			return err
		}
		for id := segID + 1; id <= c.currSegmentID; id++ {
			if err := os.Remove(segmentPath(c.dir, id)); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("wal: failed to delete truncated segment", zap.Uint32("segment", id), zap.Error(err))
			}
		}
	}

	if err := c.openExistingSegment(segID); err != nil {
		return err
	}
	if err := c.meta.SetCurrentSegment(segID); err != nil {
		return err
	}
	return c.seg.truncateTo(off)
}

// compactionRange reports the preconditions and segment range a
// Compact/Archive call would act on: reject if nothing is committed, if
// fewer than MinEntriesForCompaction entries separate Base from Commit, if
// Base and Commit already live in the same segment (nothing complete to
// reclaim), or if that segment is segment 0 (nothing exists below it).
func (c *Coordinator) compactionRange() (segBase, segCommit uint32, ok bool, err error) {
	base := c.meta.Base()
	commit := c.meta.Commit()
	if commit < 0 {
		return 0, 0, false, nil
	}
	if int64(commit)-int64(base) < int64(c.cfg.MinEntriesForCompaction) {
		return 0, 0, false, nil
	}
	segCommit, _, err = c.meta.Position(uint32(commit))
	if err != nil {
		return 0, 0, false, err
	}
	segBase, _, err = c.meta.Position(base)
	if err != nil {
		return 0, 0, false, err
	}
	if segCommit == segBase || segCommit == 0 {
		return 0, 0, false, nil
	}
	return segBase, segCommit, true, nil
}

// Compact rewrites index.META so Base advances to Commit+1, reclaiming the
// array slots of committed entries, and deletes the now-fully-committed
// segment files in [segmentOf(Base), segmentOf(Commit)). It is a no-op
// returning (false, nil) when compactionRange rejects the call.
func (c *Coordinator) Compact() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return false, ErrClosed
	}

	segBase, segCommit, ok, err := c.compactionRange()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := c.meta.Compact(); err != nil {
		return false, err
	}

	for id := segBase; id < segCommit; id++ {
		if err := os.Remove(segmentPath(c.dir, id)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("wal: failed to delete compacted segment", zap.Uint32("segment", id), zap.Error(err))
		}
	}
	if c.metrics != nil {
		if ids, err := listSegmentIDs(c.dir); err == nil {
			c.metrics.setSegmentCount(len(ids))
		}
	}
	return true, nil
}

// Archive behaves like Compact, but the committed prefix being dropped from
// the live index is preserved under archiveDir/index.META, and the segment
// files in [segmentOf(Base), segmentOf(Commit)) are moved into archiveDir
// (copy-then-unlink if a plain rename fails, e.g. across devices) instead
// of deleted.
func (c *Coordinator) Archive(archiveDir string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return false, ErrClosed
	}

	segBase, segCommit, ok, err := c.compactionRange()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := c.meta.Archive(archiveDir); err != nil {
		return false, err
	}

	for id := segBase; id < segCommit; id++ {
		src := segmentPath(c.dir, id)
		dst := filepath.Join(archiveDir, fmt.Sprintf("%d%s", id, segmentFileExt))
		if err := moveFile(src, dst); err != nil {
			c.logger.Warn("wal: failed to move archived segment", zap.Uint32("segment", id), zap.Error(err))
		}
	}
	if c.metrics != nil {
		if ids, err := listSegmentIDs(c.dir); err == nil {
			c.metrics.setSegmentCount(len(ids))
		}
	}
	return true, nil
}

// moveFile renames src to dst, falling back to copy-then-unlink when the
// rename fails (e.g. src and dst are on different devices).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Close flushes and releases all open file handles, including the
// advisory directory lock. Calling Close twice is an error.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return ErrClosed
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.hasSegment {
		record(c.seg.Close())
	}
	if c.meta != nil {
		record(c.meta.Close())
	}
	if c.lockFile != nil {
		record(unlockFile(c.lockFile))
		record(c.lockFile.Close())
	}

	c.state = stateClosed
	return firstErr
}

// CurrentSegmentID returns the ID of the segment currently open for
// writing.
func (c *Coordinator) CurrentSegmentID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currSegmentID
}

// LastIndex returns the index of the most recently written entry, or
// (0, false) if the log is empty.
func (c *Coordinator) LastIndex() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := c.meta.Head()
	if head == c.meta.Base() {
		return 0, false
	}
	return head - 1, true
}

// NextIndex returns the index the next Write will be assigned.
func (c *Coordinator) NextIndex() uint32 {
	return c.meta.Head()
}

// CommitIndex returns the current commit index, or -1 if nothing has been
// committed.
func (c *Coordinator) CommitIndex() int32 {
	return c.meta.Commit()
}

// IsCommitted reports whether index is at or before the commit index.
func (c *Coordinator) IsCommitted(index uint32) bool {
	return int32(index) <= c.meta.Commit()
}
