// Package lockfile implements a named advisory lock backed by a
// create-exclusive file holding the owner's pid.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrHeld is returned when another owner holds a fresh lock.
var ErrHeld = errors.New("lock held by another process")

// Lock is an acquired lock file. Release removes it.
type Lock struct {
	path string
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// TryAcquire creates path exclusively and writes the current pid into it.
// A lock file older than staleAfter is reclaimed once; if it is still held
// after that, ErrHeld is returned. It never blocks.
func TryAcquire(path string, staleAfter time.Duration, now func() time.Time) (*Lock, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	reclaimed := false
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		if reclaimed {
			return nil, ErrHeld
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				// Released between our create and stat.
				reclaimed = true
				continue
			}
			return nil, fmt.Errorf("stat lock %s: %w", path, statErr)
		}
		if now().Sub(info.ModTime()) <= staleAfter {
			return nil, ErrHeld
		}
		_ = os.Remove(path)
		reclaimed = true
	}
}

// Owner returns the pid recorded in the lock file, or 0 when unreadable.
func Owner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
