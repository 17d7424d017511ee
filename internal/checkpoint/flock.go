package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "build.lock"

// locker is the cross-process half of the store's write serialization.
type locker interface {
	Lock() error
	Unlock() error
}

// FileLock provides cross-process mutual exclusion using flock(2), so two
// buildpilot processes pointed at the same build never interleave writes.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for "build.lock" inside dir.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

// Unlock releases the lock and closes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}

// nopLock is used for in-memory filesystems where flock has no meaning.
type nopLock struct{}

func (nopLock) Lock() error   { return nil }
func (nopLock) Unlock() error { return nil }
