package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage"
)

// taskSpecRow is the JSON shape of a task spec column.
type taskSpecRow struct {
	PatientID        string    `json:"patient_id,omitempty"`
	PatientName      string    `json:"patient_name,omitempty"`
	PatientBirthDate time.Time `json:"patient_birth_date,omitempty"`
	AccessionNumber  string    `json:"accession_number,omitempty"`
	StudyDateStart   time.Time `json:"study_date_start,omitempty"`
	StudyDateEnd     time.Time `json:"study_date_end,omitempty"`
	StudyDescription string    `json:"study_description,omitempty"`
	Modalities       []string  `json:"modalities,omitempty"`
	StudyUID         string    `json:"study_uid,omitempty"`
	SeriesUIDs       []string  `json:"series_uids,omitempty"`
	SeriesNumbers    []string  `json:"series_numbers,omitempty"`
	Pseudonym        string    `json:"pseudonym,omitempty"`
}

// logEntryRow is the JSON shape of one task log entry.
type logEntryRow struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func encodeSpec(spec domain.TaskSpec) ([]byte, error) {
	return json.Marshal(taskSpecRow(spec))
}

func decodeSpec(data []byte) (domain.TaskSpec, error) {
	var row taskSpecRow
	if err := json.Unmarshal(data, &row); err != nil {
		return domain.TaskSpec{}, fmt.Errorf("decoding task spec: %w", err)
	}
	return domain.TaskSpec(row), nil
}

func encodeLog(log []domain.LogEntry) ([]byte, error) {
	rows := make([]logEntryRow, len(log))
	for i, entry := range log {
		rows[i] = logEntryRow(entry)
	}
	return json.Marshal(rows)
}

func decodeLog(data []byte) ([]domain.LogEntry, error) {
	var rows []logEntryRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding task log: %w", err)
	}
	log := make([]domain.LogEntry, len(rows))
	for i, row := range rows {
		log[i] = domain.LogEntry(row)
	}
	return log, nil
}

// taskStore implements transfer.TaskRepository on PostgreSQL. The spec and
// log columns are jsonb.
type taskStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.TaskRepository = (*taskStore)(nil)

// NewTaskStore creates a PostgreSQL-backed task repository with tracing.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{db: pool, tracer: tracer}
}

func (r *taskStore) Create(ctx context.Context, task *domain.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("job_id", task.JobID().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		spec, err := encodeSpec(task.Spec())
		if err != nil {
			return err
		}
		log, err := encodeLog(task.Log())
		if err != nil {
			return err
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO tasks (
				id, job_id, kind, source_id, destination_id, spec,
				status, attempts, message, log, created_at, started_at, ended_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			pgUUID(task.ID()), pgUUID(task.JobID()), string(task.Kind()),
			pgUUID(task.SourceID()), pgUUID(task.DestinationID()), spec,
			string(task.Status()), task.Attempts(), pgText(task.Message()), log,
			pgTime(task.Timeline().CreatedAt()), pgTime(task.Timeline().StartedAt()), pgTime(task.Timeline().EndedAt()),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

const selectTaskColumns = `
	SELECT id, job_id, kind, source_id, destination_id, spec,
	       status, attempts, message, log, created_at, started_at, ended_at
	FROM tasks`

func (r *taskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var task *domain.Task
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, selectTaskColumns+` WHERE id = $1`, pgUUID(id))
		var err error
		task, err = scanTask(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var tasks []*domain.Task
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_tasks_by_job", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, selectTaskColumns+` WHERE job_id = $1 ORDER BY created_at`, pgUUID(jobID))
		if err != nil {
			return fmt.Errorf("query tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskStore) Update(ctx context.Context, task *domain.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_task", dbAttrs, func(ctx context.Context) error {
		log, err := encodeLog(task.Log())
		if err != nil {
			return err
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE tasks SET
				status = $2, attempts = $3, message = $4, log = $5,
				started_at = $6, ended_at = $7
			WHERE id = $1`,
			pgUUID(task.ID()), string(task.Status()), task.Attempts(), pgText(task.Message()), log,
			pgTime(task.Timeline().StartedAt()), pgTime(task.Timeline().EndedAt()),
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *taskStore) Delete(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_task", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		id            pgtype.UUID
		jobID         pgtype.UUID
		kind          string
		sourceID      pgtype.UUID
		destinationID pgtype.UUID
		spec          []byte
		status        string
		attempts      int
		message       pgtype.Text
		log           []byte
		createdAt     pgtype.Timestamptz
		startedAt     pgtype.Timestamptz
		endedAt       pgtype.Timestamptz
	)
	err := row.Scan(&id, &jobID, &kind, &sourceID, &destinationID, &spec,
		&status, &attempts, &message, &log, &createdAt, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	taskSpec, err := decodeSpec(spec)
	if err != nil {
		return nil, err
	}
	taskLog, err := decodeLog(log)
	if err != nil {
		return nil, err
	}

	return domain.ReconstructTask(
		uuid.UUID(id.Bytes), uuid.UUID(jobID.Bytes),
		domain.TaskKind(kind),
		uuid.UUID(sourceID.Bytes), uuid.UUID(destinationID.Bytes),
		taskSpec,
		domain.TaskStatus(status),
		attempts,
		fromPgText(message),
		taskLog,
		domain.ReconstructTimeline(fromPgTime(createdAt), fromPgTime(startedAt), fromPgTime(endedAt)),
	), nil
}
