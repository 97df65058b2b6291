//go:build darwin || linux

package wal

import (
	"os"
	"syscall"
)

// lockFileNonBlocking locks f via flock in non-blocking mode: if another
// descriptor already holds the lock, it returns ErrAlreadyOwned immediately
// rather than waiting.
func lockFileNonBlocking(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return ErrAlreadyOwned
	}
	return err
}

// unlockFile releases a lock taken by lockFileNonBlocking.
func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
