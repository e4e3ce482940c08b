package transfer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested aggregate does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateQueueEntry is returned when enqueueing a task that already
// has an unconsumed queue entry.
var ErrDuplicateQueueEntry = errors.New("task already queued")

// JobRepository persists jobs.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	Update(ctx context.Context, job *Job) error
	// Mutate loads the job under an exclusive lock, applies fn and persists
	// the job when fn reports a change. Concurrent mutations of one job
	// serialize on the lock, each fn observing the previously committed
	// state. The returned job carries the state fn left behind.
	Mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, job *Job) (bool, error)) (*Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// TaskRepository persists tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*Task, error)
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// QueueRepository persists the dispatch queue.
type QueueRepository interface {
	Enqueue(ctx context.Context, entry *QueuedEntry) error
	// NextEligible returns the unlocked entry with eta null-or-past,
	// ordered by priority descending then created ascending, and marks it
	// locked in the same operation. ErrNotFound when nothing is eligible.
	NextEligible(ctx context.Context) (*QueuedEntry, error)
	GetByTask(ctx context.Context, taskID uuid.UUID) (*QueuedEntry, error)
	Update(ctx context.Context, entry *QueuedEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByTask(ctx context.Context, taskID uuid.UUID) error
}

// NodeRepository resolves node references carried by tasks.
type NodeRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Node, error)
	GetByName(ctx context.Context, name string) (*Node, error)
}

// DispatchLocker provides the short-lived mutual exclusion across worker
// processes that guards the select-next-entry step.
type DispatchLocker interface {
	// WithLock runs fn while holding the dispatch lock. It returns without
	// calling fn when the lock is held elsewhere and cannot be acquired in
	// time.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier informs the job owner about a terminal job, at most once per
// terminal transition.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, job *Job) error
}
