package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations, used to detect a second enqueue for the same task.
const uniqueViolation = "23505"

// queueStore implements transfer.QueueRepository on PostgreSQL.
type queueStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.QueueRepository = (*queueStore)(nil)

// NewQueueStore creates a PostgreSQL-backed dispatch queue with tracing.
func NewQueueStore(pool *pgxpool.Pool, tracer trace.Tracer) *queueStore {
	return &queueStore{db: pool, tracer: tracer}
}

func (r *queueStore) Enqueue(ctx context.Context, entry *domain.QueuedEntry) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", entry.TaskID().String()),
		attribute.Int("priority", entry.Priority()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.enqueue_task", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO queue (id, task_id, priority, eta, created, locked)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pgUUID(entry.ID()), pgUUID(entry.TaskID()), entry.Priority(),
			pgTime(entry.ETA()), pgTime(entry.Created()), entry.Locked(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return domain.ErrDuplicateQueueEntry
			}
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
}

// NextEligible selects and locks the highest-priority dispatchable entry in
// one transaction. FOR UPDATE SKIP LOCKED keeps concurrent pollers from
// blocking on the same row.
func (r *queueStore) NextEligible(ctx context.Context) (*domain.QueuedEntry, error) {
	var entry *domain.QueuedEntry
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.next_eligible_entry", defaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				SELECT id, task_id, priority, eta, created, locked
				FROM queue
				WHERE NOT locked AND (eta IS NULL OR eta <= now())
				ORDER BY priority DESC, created ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED`)

			var err error
			entry, err = scanEntry(row)
			if err != nil {
				return err
			}

			entry.MarkLocked()
			_, err = tx.Exec(ctx, `UPDATE queue SET locked = true WHERE id = $1`, pgUUID(entry.ID()))
			if err != nil {
				return fmt.Errorf("lock queue entry: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *queueStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.QueuedEntry, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var entry *domain.QueuedEntry
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_entry_by_task", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT id, task_id, priority, eta, created, locked
			FROM queue WHERE task_id = $1`, pgUUID(taskID))
		var err error
		entry, err = scanEntry(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *queueStore) Update(ctx context.Context, entry *domain.QueuedEntry) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("entry_id", entry.ID().String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_entry", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE queue SET priority = $2, eta = $3, locked = $4 WHERE id = $1`,
			pgUUID(entry.ID()), entry.Priority(), pgTime(entry.ETA()), entry.Locked(),
		)
		if err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *queueStore) Delete(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("entry_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_entry", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM queue WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *queueStore) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_entry_by_task", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM queue WHERE task_id = $1`, pgUUID(taskID))
		if err != nil {
			return fmt.Errorf("delete queue entry by task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func scanEntry(row pgx.Row) (*domain.QueuedEntry, error) {
	var (
		id       pgtype.UUID
		taskID   pgtype.UUID
		priority int
		eta      pgtype.Timestamptz
		created  pgtype.Timestamptz
		locked   bool
	)
	if err := row.Scan(&id, &taskID, &priority, &eta, &created, &locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return domain.ReconstructQueuedEntry(
		uuid.UUID(id.Bytes), uuid.UUID(taskID.Bytes),
		priority, fromPgTime(eta), fromPgTime(created), locked,
	), nil
}
