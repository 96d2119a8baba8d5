// Package lockfile guards the data directory against concurrent daemons.
// A second `neo serve` on the same directory would race the SQLite store
// and the blob tree, so the daemon takes an exclusive file lock for its
// lifetime.
package lockfile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// LockFileName is created inside the data directory.
	LockFileName = "neotoma.lock"

	acquireTimeout = 5 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// Lock is an exclusive lock on a data directory. Release is idempotent.
type Lock struct {
	flock *flock.Flock
}

// Acquire takes the exclusive lock for dataDir, polling until the context
// is done. A context without a deadline gets a 5s bound.
func Acquire(ctx context.Context, dataDir string) (*Lock, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	fl := flock.New(filepath.Join(dataDir, LockFileName))
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", fl.Path(), err)
		}
		if locked {
			return &Lock{flock: fl}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("data directory %s is locked by another process", dataDir)
		case <-time.After(pollInterval):
		}
	}
}

// Path reports the lock file location.
func (l *Lock) Path() string { return l.flock.Path() }

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}
