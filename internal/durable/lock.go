package durable

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Lock is a cross-process advisory lock on the durable state directory. One
// agent process per state directory; a second process starting against the
// same files refuses to run instead of corrupting them.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive flock on path, creating it if needed. It
// fails immediately (no blocking) when another process holds the lock.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s held by another process: %w", path, err)
	}
	f.Truncate(0)
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	f.Sync()
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}
