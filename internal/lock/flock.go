package lock

import (
	"context"

	"github.com/gofrs/flock"

	"github.com/partvault/partvault/internal/errs"
)

// FlockLock is the per-process lock: an advisory filesystem lock at
// path, held for the duration of one backup/restore command so two
// invocations on the same host can't run concurrently.
type FlockLock struct {
	path string
	fl   *flock.Flock
}

// NewFlockLock builds a FlockLock backed by the file at path. The file
// is created on first TryLock if missing.
func NewFlockLock(path string) *FlockLock {
	return &FlockLock{path: path, fl: flock.New(path)}
}

func (l *FlockLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, &errs.LockError{Lock: l.path, Cause: err}
	}
	return ok, nil
}

func (l *FlockLock) Unlock(ctx context.Context) error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return &errs.LockError{Lock: l.path, Cause: err}
	}
	return nil
}

var _ Locker = (*FlockLock)(nil)
