// Package cachelock implements the scoped file-lock acquisition shared by
// go/sourcemetadata and go/buildcache: an on-disk cache entry holds an
// exclusive lock for the duration of any query or write (§3 lifecycle
// rules, §9 design notes "cache file locks").
package cachelock

import (
	"os"

	"golang.org/x/sys/unix"

	"pixi.goldmine.build/go/skerr"
)

// Lock is a held advisory lock on a cache entry's lock file. Release must be
// called exactly once, including on the error path -- the caller's defer
// should run unconditionally once Acquire succeeds.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) the lock file at path and blocks
// until an exclusive advisory lock on it is held. The dispatcher grants a
// single writer per (pinned_source, key) tuple (§5); every caller in this
// process goes through the same flock call, so that invariant holds across
// goroutines as well as across processes sharing the cache directory.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, skerr.Wrapf(err, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, skerr.Wrapf(err, "locking %s", path)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file. Calls after the first, and calls
// on a nil Lock, do nothing and return nil.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(closeErr)
}
