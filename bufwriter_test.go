package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bufwriter")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBufferedFileWriterSmallWritesAmortize(t *testing.T) {
	f := openTempFile(t)
	w := newBufferedFileWriter(f, 16)

	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, w.n)

	stat, err := f.Stat()
	require.NoError(t, err)
	require.Zero(t, stat.Size(), "nothing should hit disk before a flush")

	require.NoError(t, w.Flush())
	stat, err = f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 3, stat.Size())
}

func TestBufferedFileWriterLargeWriteBypassesBuffer(t *testing.T) {
	f := openTempFile(t)
	w := newBufferedFileWriter(f, 4)

	payload := []byte("this is longer than the buffer")
	n, err := w.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	stat, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, len(payload), stat.Size(), "a write exceeding buffer capacity with an empty buffer goes straight to disk")
}

func TestBufferedFileWriterFillFlushRepeat(t *testing.T) {
	f := openTempFile(t)
	w := newBufferedFileWriter(f, 4)

	// 10 bytes through a 4-byte buffer in 3-byte writes, so the buffer is
	// filled and flushed more than once instead of being bypassed.
	payload := []byte("0123456789")
	n := 0
	for off := 0; off < len(payload); off += 3 {
		end := off + 3
		if end > len(payload) {
			end = len(payload)
		}
		wrote, err := w.Write(payload[off:end])
		require.NoError(t, err)
		n += wrote
	}
	require.Equal(t, len(payload), n)
	require.NoError(t, w.Flush())

	stat, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, len(payload), stat.Size())

	got := make([]byte, len(payload))
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBufferedFileWriterFlushIdempotent(t *testing.T) {
	f := openTempFile(t)
	w := newBufferedFileWriter(f, 16)

	require.NoError(t, w.Flush(), "flushing an untouched writer must not fsync or write")
	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.False(t, w.dirty)
	require.NoError(t, w.Flush(), "second flush with nothing new written is a no-op")
}
