package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage"
)

// jobStore implements transfer.JobRepository on PostgreSQL.
type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.JobRepository = (*jobStore)(nil)

// NewJobStore creates a PostgreSQL-backed job repository with tracing.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

func (r *jobStore) Create(ctx context.Context, job *domain.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.ID().String()),
		attribute.String("kind", string(job.Kind())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO jobs (
				id, kind, owner, project_name, urgent,
				trial_protocol_id, trial_protocol_name, archive_password,
				status, message, created_at, started_at, ended_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			pgUUID(job.ID()), string(job.Kind()), job.Owner(), pgText(job.ProjectName()), job.Urgent(),
			pgText(job.TrialProtocolID()), pgText(job.TrialProtocolName()), pgText(job.ArchivePassword()),
			string(job.Status()), pgText(job.Message()),
			pgTime(job.Timeline().CreatedAt()), pgTime(job.Timeline().StartedAt()), pgTime(job.Timeline().EndedAt()),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

const selectJobColumns = `
	SELECT id, kind, owner, project_name, urgent,
	       trial_protocol_id, trial_protocol_name, archive_password,
	       status, message, created_at, started_at, ended_at
	FROM jobs`

func (r *jobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", id.String()))

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, selectJobColumns+` WHERE id = $1`, pgUUID(id))

		var err error
		job, err = scanJob(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Mutate runs fn on the job row under FOR UPDATE, so concurrent mutations of
// one job serialize on the row lock and each fn reconstructs the previously
// committed state. The write happens in the same transaction.
func (r *jobStore) Mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, job *domain.Job) (bool, error)) (*domain.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", id.String()))

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mutate_job", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, selectJobColumns+` WHERE id = $1 FOR UPDATE`, pgUUID(id))
			var err error
			job, err = scanJob(row)
			if err != nil {
				return err
			}

			changed, err := fn(ctx, job)
			if err != nil {
				return err
			}
			if !changed {
				return nil
			}

			_, err = tx.Exec(ctx, `
				UPDATE jobs SET
					status = $2, message = $3, started_at = $4, ended_at = $5
				WHERE id = $1`,
				pgUUID(job.ID()), string(job.Status()), pgText(job.Message()),
				pgTime(job.Timeline().StartedAt()), pgTime(job.Timeline().EndedAt()),
			)
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobStore) Update(ctx context.Context, job *domain.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.ID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE jobs SET
				status = $2, message = $3, started_at = $4, ended_at = $5
			WHERE id = $1`,
			pgUUID(job.ID()), string(job.Status()), pgText(job.Message()),
			pgTime(job.Timeline().StartedAt()), pgTime(job.Timeline().EndedAt()),
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *jobStore) Delete(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_job", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// scanJob reads one job row and reconstructs the aggregate.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		id                pgtype.UUID
		kind              string
		owner             string
		projectName       pgtype.Text
		urgent            bool
		trialProtocolID   pgtype.Text
		trialProtocolName pgtype.Text
		archivePassword   pgtype.Text
		status            string
		message           pgtype.Text
		createdAt         pgtype.Timestamptz
		startedAt         pgtype.Timestamptz
		endedAt           pgtype.Timestamptz
	)
	err := row.Scan(&id, &kind, &owner, &projectName, &urgent,
		&trialProtocolID, &trialProtocolName, &archivePassword,
		&status, &message, &createdAt, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	return domain.ReconstructJob(
		uuid.UUID(id.Bytes),
		domain.TaskKind(kind),
		owner, fromPgText(projectName),
		urgent,
		fromPgText(trialProtocolID), fromPgText(trialProtocolName), fromPgText(archivePassword),
		domain.JobStatus(status),
		fromPgText(message),
		domain.ReconstructTimeline(fromPgTime(createdAt), fromPgTime(startedAt), fromPgTime(endedAt)),
	), nil
}
