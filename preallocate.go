package wal

import "os"

// preallocate reserves filesystem space ahead of sizeInBytes without
// growing f's logical size (st_size). A live segment's reported length must
// track only the bytes actually appended to it — recovery's orphan-tail
// scan and any caller that stats the file mid-life depend on that — so
// reserving space is only useful here if it doesn't also move EOF. Where a
// platform has no such mechanism, preallocate is a no-op: it never returns
// an error for lack of support.
func preallocate(f *os.File, sizeInBytes int64) error {
	if sizeInBytes == 0 {
		return nil
	}
	return preallocExtend(f, sizeInBytes)
}
