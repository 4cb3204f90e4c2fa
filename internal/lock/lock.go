// Package lock provides named mutual-exclusion locks with bounded waits.
//
// A lock is identified by a namespace and a key. The namespace keeps locks
// taken by different features apart; the key is usually an import id.
// Acquire never blocks past its wait bound: when the lock stays held it fails
// with ErrConflict so callers can report contention instead of hanging.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrConflict is returned when the lock is still held after the wait bound.
var ErrConflict = errors.New("lock is held by another owner")

// Handle is an acquired lock. Release must be called exactly once; further
// calls are no-ops.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	// Acquire takes the lock (namespace, key), waiting at most wait. A wait
	// of zero or less tries once. It honours ctx cancellation while waiting.
	Acquire(ctx context.Context, namespace, key string, wait time.Duration) (Handle, error)
}

// Name returns the fully qualified lock name for (namespace, key).
func Name(namespace, key string) string {
	if namespace == "" {
		namespace = "import"
	}
	return namespace + ":lock:" + key
}
