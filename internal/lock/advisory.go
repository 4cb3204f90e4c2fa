package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultPollInterval is how often Advisory retries a held lock.
const DefaultPollInterval = 100 * time.Millisecond

// Advisory is a Locker backed by PostgreSQL session-level advisory locks, so
// it excludes holders across every process sharing the database.
//
// Each held lock pins one pooled connection until release, because advisory
// locks belong to the session that took them.
type Advisory struct {
	db   *sql.DB
	poll time.Duration
}

// NewAdvisory creates an advisory locker over db. db is expected to use a
// PostgreSQL driver such as github.com/jackc/pgx/v5/stdlib.
func NewAdvisory(db *sql.DB, poll time.Duration) *Advisory {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Advisory{db: db, poll: poll}
}

// AdvisoryKey maps a lock name onto the bigint key space of
// pg_advisory_lock.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Acquire implements Locker by polling pg_try_advisory_lock until it
// succeeds or the wait bound passes.
func (a *Advisory) Acquire(ctx context.Context, namespace, key string, wait time.Duration) (Handle, error) {
	name := Name(namespace, key)
	k := AdvisoryKey(name)

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s: get connection", name)
	}

	deadline := time.Now().Add(wait)
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", k).Scan(&ok); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "lock %s", name)
		}
		if ok {
			return &advisoryHandle{conn: conn, key: k, name: name}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			conn.Close()
			return nil, ErrConflict
		}
		sleep := a.poll
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type advisoryHandle struct {
	conn *sql.Conn
	key  int64
	name string

	once sync.Once
	err  error
}

// Release unlocks and returns the pinned connection to the pool. When the
// unlock call fails the connection is discarded instead, which ends the
// database session and with it the lock.
func (h *advisoryHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		var released bool
		err := h.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", h.key).Scan(&released)
		if err != nil {
			_ = h.conn.Raw(func(any) error { return driver.ErrBadConn })
		} else if !released {
			err = errors.Newf("lock %s was not held at release", h.name)
		}
		if cerr := h.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			h.err = errors.Wrapf(err, "unlock %s", h.name)
		}
	})
	return h.err
}
