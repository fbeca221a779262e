package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another localpg instance holds the data directory.
var ErrLocked = errors.New("data directory is in use by another localpg instance")

// LockPath returns the lock file for dir. It lives beside dir so that Purge
// and initdb never see it.
func LockPath(dir string) string {
	clean := filepath.Clean(dir)
	return filepath.Join(filepath.Dir(clean), "."+filepath.Base(clean)+".lock")
}

// Lock takes an exclusive, non-blocking lock on dir. Callers must Unlock it.
func Lock(dir string) (*flock.Flock, error) {
	p := LockPath(dir)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(p)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", p, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl, nil
}
