// Package lockfile provides flock-based, cross-process exclusive and shared
// directory locks with non-blocking try-lock semantics.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned by Acquire when the lock is already held by another
// process in a conflicting mode.
var ErrLocked = errors.New("lockfile: already locked")

// Mode selects the flock mode.
type Mode int

const (
	// Exclusive excludes all other Exclusive and Shared holders.
	Exclusive Mode = iota
	// Shared excludes Exclusive holders but allows other Shared holders.
	Shared
)

// Lock holds a flock on a single file for the lifetime of the process (or
// until Close). It is not safe for concurrent use by multiple goroutines
// beyond holding the lock; callers that need in-process coordination as well
// should pair it with their own mutex.
type Lock struct {
	f    *os.File
	path string
}

// Acquire opens (creating if necessary) the file at path and takes a
// non-blocking flock in the given mode. It returns ErrLocked immediately if
// the lock is held elsewhere, rather than blocking.
func Acquire(path string, mode Mode, perm os.FileMode) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, perm)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	how := syscall.LOCK_EX
	if mode == Shared {
		how = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	return &Lock{f: f, path: path}, nil
}

// Close releases the lock and closes the underlying file descriptor. It does
// not remove the lock file from disk.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Path returns the path the lock was acquired on.
func (l *Lock) Path() string {
	return l.path
}
