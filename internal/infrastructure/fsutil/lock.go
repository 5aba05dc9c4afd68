package fsutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive advisory lock held on "<path>.lock".
type FileLock struct {
	f *os.File
}

// Lock blocks until the exclusive lock for path is acquired.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock. Safe on a nil receiver.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
