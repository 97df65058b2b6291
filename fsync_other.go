//go:build !darwin && !linux

package wal

import "os"

// fsync falls back to the portable os.File.Sync on platforms without a
// stronger guarantee. Hosts on darwin or linux get fsync_darwin.go /
// fsync_linux.go instead.
func fsync(f *os.File) error {
	return f.Sync()
}
