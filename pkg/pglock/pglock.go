// Package pglock provides mutual exclusion scoped to a logical key, backed
// by PostgreSQL session-level advisory locks. Locks are held by a dedicated
// session connection and survive until explicitly released or until the
// session drops, which makes a crashed holder's locks disappear with its
// connection.
package pglock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Coordinator serialises advisory lock operations on a single dedicated
// session. Locks must be released on the same session that acquired them,
// so the coordinator never shares its connection with a pool.
type Coordinator struct {
	mu      sync.Mutex
	session *pg.Session
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// New acquires a dedicated session from the pool for lock operations.
func New(ctx context.Context, conn pg.PoolConn) (*Coordinator, error) {
	if conn == nil {
		return nil, pg.ErrBadParameter.With("connection is nil")
	}
	session, err := conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Coordinator{session: session}, nil
}

// Close releases the dedicated session, and with it every advisory lock
// the coordinator still holds.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Close(ctx)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// KeyFor derives a deterministic 64-bit lock key from the given parts,
// joined with dots. The same parts always produce the same key in every
// process.
func KeyFor(parts ...string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, ".")))
	return int64(h.Sum64())
}

// TryLock attempts to acquire the lock without blocking. Returns true if
// the lock was obtained. A false return is not an error: another session
// holds the lock.
func (c *Coordinator) TryLock(ctx context.Context, key int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var acquired bool
	if err := c.session.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, pg.ErrConnection.With(err.Error())
	}
	return acquired, nil
}

// Lock blocks until the lock is acquired or the context is done.
func (c *Coordinator) Lock(ctx context.Context, key int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Exec(ctx, `SELECT pg_advisory_lock($1)`, key)
}

// Unlock releases a lock held by this coordinator's session. Returns false
// if the session did not hold the lock.
func (c *Coordinator) Unlock(ctx context.Context, key int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var released bool
	if err := c.session.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return false, pg.ErrConnection.With(err.Error())
	}
	return released, nil
}

// GetRow runs a single-row query on the lock session and scans the result.
// Statements which take advisory locks as a side effect must run on the
// coordinator's session, so the locks are owned by it and can be released
// through Unlock.
func (c *Coordinator) GetRow(ctx context.Context, query string, args []any, dest ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Get(ctx, query, args, dest...)
}

// WithTryLock runs fn while holding the lock, releasing it afterwards.
// When the lock is contended fn is not run and false is returned.
func (c *Coordinator) WithTryLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	acquired, err := c.TryLock(ctx, key)
	if err != nil || !acquired {
		return false, err
	}
	defer c.Unlock(context.WithoutCancel(ctx), key)
	return true, fn(ctx)
}

// Alive returns true when the coordinator's session is usable. A dead
// session means every lock it held has already been released.
func (c *Coordinator) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Alive()
}
