//go:build windows

package storage

import (
	"os"

	"golang.org/x/sys/windows"
)

// Windows byte-range locks are mandatory, so lock a range far past any
// record; readers of the superblock and records are never blocked.
const (
	lockOffsetHigh = 0x7fffffff
	lockLength     = 1
)

func lockFile(f *os.File) error {
	ol := &windows.Overlapped{OffsetHigh: lockOffsetHigh}
	return windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, lockLength, 0, ol)
}

func unlockFile(f *os.File) error {
	ol := &windows.Overlapped{OffsetHigh: lockOffsetHigh}
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockLength, 0, ol)
}
