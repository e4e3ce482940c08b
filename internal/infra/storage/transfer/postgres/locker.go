package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage"
)

// dispatchLockKey is the advisory lock key shared by all worker processes
// guarding the select-next-entry step.
const dispatchLockKey = int64(0x70616373_66657279) // "pacs" "fery"

// advisoryLocker implements transfer.DispatchLocker on a PostgreSQL session
// advisory lock. The lock is scoped to one pooled connection so the unlock
// releases exactly what was acquired.
type advisoryLocker struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.DispatchLocker = (*advisoryLocker)(nil)

// NewAdvisoryLocker creates a dispatch locker backed by pg advisory locks.
func NewAdvisoryLocker(pool *pgxpool.Pool, tracer trace.Tracer) *advisoryLocker {
	return &advisoryLocker{db: pool, tracer: tracer}
}

// WithLock runs fn while holding the dispatch advisory lock. When another
// process holds the lock, WithLock returns nil without calling fn so the
// caller can retry on its next poll.
func (l *advisoryLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.ExecuteAndTrace(ctx, l.tracer, "postgres.dispatch_lock", defaultDBAttributes, func(ctx context.Context) error {
		conn, err := l.db.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Release()

		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, dispatchLockKey).Scan(&acquired); err != nil {
			return fmt.Errorf("try advisory lock: %w", err)
		}
		if !acquired {
			return nil
		}
		defer func() {
			// Best effort; releasing the session also releases the lock.
			_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, dispatchLockKey)
		}()

		return fn(ctx)
	})
}
