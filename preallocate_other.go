//go:build !darwin && !linux

package wal

import "os"

// No portable syscall reserves blocks without also growing st_size, so on
// platforms with neither fallocate nor F_PREALLOCATE, preallocate is a
// no-op: writes still succeed, they just don't get the allocate-ahead
// benefit.
func preallocExtend(f *os.File, sizeInBytes int64) error {
	return nil
}
