package synclock

import (
	"context"
	"sync"
	"time"
)

// Lease is a disposal handle for one successfully acquired lock. It pairs a
// backend with the lockId Acquire returned, so callers can hold a single
// value instead of threading the lockId through their own teardown path —
// the role the teacher's "release func() that MUST be called" closure
// plays in distributed_lock.go, expressed here as a value so it can also
// satisfy io.Closer.
//
// Release is guarded by sync.Once: concurrent callers (a deferred Close
// racing a manual Release) converge on exactly one backend round-trip, and
// every caller after the first observes the same result.
type Lease struct {
	backend LockBackend
	key     string
	lockID  string

	once   sync.Once
	result ReleaseResult
	err    error
}

// NewLease wraps the key and lockID of a successful Acquire into a Lease. Callers normally
// get a Lease back from AcquireLease rather than constructing one directly.
func NewLease(backend LockBackend, key, lockID string) *Lease {
	return &Lease{backend: backend, key: key, lockID: lockID}
}

// AcquireLease calls backend.Acquire and, on success, wraps the result in a
// Lease. Returns a nil Lease and ok=false on contention, matching Acquire's
// own {ok, reason} convention rather than turning contention into an error.
func AcquireLease(ctx context.Context, backend LockBackend, key string, ttl time.Duration) (lease *Lease, ok bool, err error) {
	result, err := backend.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if !result.OK {
		return nil, false, nil
	}
	return NewLease(backend, key, result.LockID), true, nil
}

// Key returns the key this lease was acquired for, as the caller passed it.
func (l *Lease) Key() string { return l.key }

// LockID returns the opaque lock identifier returned by Acquire.
func (l *Lease) LockID() string { return l.lockID }

// Release calls the backend exactly once regardless of how many times it or
// Close is called; later calls replay the first outcome.
func (l *Lease) Release(ctx context.Context) (ReleaseResult, error) {
	l.once.Do(func() {
		l.result, l.err = l.backend.Release(ctx, l.lockID)
	})
	return l.result, l.err
}

// Close implements io.Closer, calling Release with context.Background() so
// Lease can be used in a defer without a context already in scope. Prefer
// calling Release directly when a context is available.
func (l *Lease) Close() error {
	_, err := l.Release(context.Background())
	return err
}

// Extend replaces the lease's expiry with authoritativeNow + ttl. It is not
// guarded by the same-once discipline as Release: a lease may be extended
// any number of times before it is finally released or allowed to expire.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) (ExtendResult, error) {
	return l.backend.Extend(ctx, l.lockID, ttl)
}
