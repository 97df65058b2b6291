//go:build linux

package wal

import (
	"os"
	"syscall"
)

// preallocExtend reserves the first sizeInBytes of f (offset 0) with
// FALLOC_FL_KEEP_SIZE, which allocates the underlying blocks but leaves
// st_size untouched. Unsupported filesystems, and an interrupted call, fall
// back to doing nothing rather than to extend+truncate, which would grow
// st_size.
func preallocExtend(f *os.File, sizeInBytes int64) error {
	err := syscall.Fallocate(int(f.Fd()), syscall.FALLOC_FL_KEEP_SIZE, 0, sizeInBytes)
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok && (errno == syscall.ENOTSUP || errno == syscall.EOPNOTSUPP || errno == syscall.EINTR) {
		return nil
	}
	return err
}
