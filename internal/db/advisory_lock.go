package db

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"blastengine/internal/lock"
	"blastengine/internal/types"
)

// unlockTimeout bounds the unlock round-trip, which runs even when the
// caller's context is already done.
const unlockTimeout = 5 * time.Second

// lockConn is the slice of a pooled connection the locker uses.
type lockConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Release()
	// Discard closes the connection instead of returning it to the pool.
	Discard()
}

type poolConn struct{ *pgxpool.Conn }

func (c poolConn) Discard() {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	_ = c.Hijack().Close(ctx)
}

// AdvisoryLocker is a lock.Locker backed by Postgres session advisory
// locks, so the api, daemon and queue workers serialize on the same
// recipient across processes. Each held lock pins one pool connection.
type AdvisoryLocker struct {
	acquire func(ctx context.Context) (lockConn, error)
	logger  types.Logger
}

// NewAdvisoryLocker creates an AdvisoryLocker on pool.
func NewAdvisoryLocker(pool *pgxpool.Pool, logger types.Logger) *AdvisoryLocker {
	return newAdvisoryLocker(func(ctx context.Context) (lockConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return poolConn{c}, nil
	}, logger)
}

func newAdvisoryLocker(acquire func(ctx context.Context) (lockConn, error), logger types.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &AdvisoryLocker{acquire: acquire, logger: logger}
}

// Lock blocks on pg_advisory_lock(hashtext(key)) until the lock is granted
// or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire lock connection", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		// A cancelled wait may leave the session in an unknown state.
		conn.Discard()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to take advisory lock", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
				l.logger.Error("advisory unlock failed; dropping connection", "key", key, "error", err.Error())
				conn.Discard()
				return
			}
			conn.Release()
		})
	}, nil
}

var _ lock.Locker = (*AdvisoryLocker)(nil)
