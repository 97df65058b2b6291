//go:build !darwin && !linux

package wal

import "os"

// lockFileNonBlocking is a no-op on platforms without flock support; no
// directory lock is taken there, so a second instance is not rejected.
func lockFileNonBlocking(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
