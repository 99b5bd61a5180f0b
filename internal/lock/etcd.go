package lock

import (
	"context"
	"path"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/partvault/partvault/internal/errs"
)

// EtcdLock is a distributed lock backed by an etcd session mutex: the
// lease expires if this process dies mid-backup, releasing the lock for
// the next replica automatically.
type EtcdLock struct {
	client          *clientv3.Client
	key             string
	leaseTTLSeconds int

	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// NewEtcdLock builds a distributed lock at key (namespaced under root),
// backed by a session with leaseTTLSeconds TTL.
func NewEtcdLock(client *clientv3.Client, root, key string, leaseTTLSeconds int) *EtcdLock {
	if leaseTTLSeconds <= 0 {
		leaseTTLSeconds = 30
	}
	return &EtcdLock{client: client, key: path.Join(root, key), leaseTTLSeconds: leaseTTLSeconds}
}

func (l *EtcdLock) TryLock(ctx context.Context) (bool, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.leaseTTLSeconds), concurrency.WithContext(ctx))
	if err != nil {
		return false, &errs.LockError{Lock: l.key, Cause: err}
	}

	mutex := concurrency.NewMutex(session, l.key)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if err == concurrency.ErrLocked {
			return false, nil
		}
		return false, &errs.LockError{Lock: l.key, Cause: err}
	}

	l.session = session
	l.mutex = mutex
	return true, nil
}

func (l *EtcdLock) Unlock(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	err := l.mutex.Unlock(ctx)
	l.session.Close()
	l.mutex = nil
	l.session = nil
	if err != nil {
		return &errs.LockError{Lock: l.key, Cause: err}
	}
	return nil
}

var _ Locker = (*EtcdLock)(nil)
