// Package orchestration schedules and supervises transfer jobs: the job
// service drives the job lifecycle and the worker pulls queued tasks and
// runs them through the task processors.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

// JobService owns the job lifecycle: creation, verification with task
// queueing, the user-facing control actions and the post-processing that
// aggregates task results into the job status.
type JobService struct {
	jobs     domain.JobRepository
	tasks    domain.TaskRepository
	queue    domain.QueueRepository
	notifier domain.Notifier
	metrics  WorkerMetrics

	log *logger.Logger
}

// NewJobService wires a job service. notifier and metrics may be nil when
// no mail transport or meter provider is configured.
func NewJobService(
	jobs domain.JobRepository,
	tasks domain.TaskRepository,
	queue domain.QueueRepository,
	notifier domain.Notifier,
	metrics WorkerMetrics,
	log *logger.Logger,
) *JobService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &JobService{jobs: jobs, tasks: tasks, queue: queue, notifier: notifier, metrics: metrics, log: log}
}

// CreateJob persists an unverified job together with its tasks. Nothing is
// queued until the job is verified.
func (s *JobService) CreateJob(ctx context.Context, job *domain.Job, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("job %s has no tasks", job.ID())
	}
	for _, task := range tasks {
		if task.JobID() != job.ID() {
			return fmt.Errorf("task %s does not belong to job %s", task.ID(), job.ID())
		}
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	for _, task := range tasks {
		if err := s.tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("creating task %s: %w", task.ID(), err)
		}
	}
	s.log.Info(ctx, "job created", "job_id", job.ID(), "kind", job.Kind(), "tasks", len(tasks))
	return nil
}

// VerifyJob releases a job for processing: the job becomes PENDING and all
// its pending tasks are queued, urgent jobs at elevated priority.
func (s *JobService) VerifyJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Verify(); err != nil {
		return err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	tasks, err := s.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status() != domain.TaskStatusPending {
			continue
		}
		if err := s.enqueue(ctx, job, task); err != nil {
			return err
		}
	}
	s.log.Info(ctx, "job verified", "job_id", jobID, "urgent", job.Urgent())
	return nil
}

// enqueue creates the dispatch entry for a pending task. An existing entry
// is left untouched.
func (s *JobService) enqueue(ctx context.Context, job *domain.Job, task *domain.Task) error {
	priority := domain.DefaultPriority
	if job.Urgent() {
		priority = domain.UrgentPriority
	}
	entry := domain.NewQueuedEntry(uuid.New(), task.ID(), priority, time.Time{})
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateQueueEntry) {
			return nil
		}
		return fmt.Errorf("queueing task %s: %w", task.ID(), err)
	}
	return nil
}

// CancelJob requests cooperative cancellation. Tasks still waiting in the
// queue are canceled immediately; a task being processed stops at its next
// study boundary.
func (s *JobService) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(); err != nil {
		return err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	tasks, err := s.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status() != domain.TaskStatusPending {
			continue
		}
		if err := task.Cancel(); err != nil {
			return err
		}
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("updating task %s: %w", task.ID(), err)
		}
		if err := s.deleteEntry(ctx, task.ID()); err != nil {
			return err
		}
	}
	s.log.Info(ctx, "job canceled", "job_id", jobID)
	return s.PostProcess(ctx, jobID)
}

// ResumeJob continues a canceled job by resetting its canceled tasks.
func (s *JobService) ResumeJob(ctx context.Context, jobID uuid.UUID) error {
	return s.reopen(ctx, jobID, func(job *domain.Job) error {
		if !job.IsResumable() {
			return fmt.Errorf("cannot resume job in status %s", job.Status())
		}
		return nil
	}, func(task *domain.Task) bool {
		return task.Status() == domain.TaskStatusCanceled
	})
}

// RetryJob runs the failed tasks of a failed job again.
func (s *JobService) RetryJob(ctx context.Context, jobID uuid.UUID) error {
	return s.reopen(ctx, jobID, func(job *domain.Job) error {
		if !job.IsRetriable() {
			return fmt.Errorf("cannot retry job in status %s", job.Status())
		}
		return nil
	}, func(task *domain.Task) bool {
		return task.Status() == domain.TaskStatusFailure
	})
}

// RestartJob runs every task of a terminal job again from scratch.
func (s *JobService) RestartJob(ctx context.Context, jobID uuid.UUID) error {
	return s.reopen(ctx, jobID, func(job *domain.Job) error {
		if !job.IsRestartable() {
			return fmt.Errorf("cannot restart job in status %s", job.Status())
		}
		return nil
	}, func(task *domain.Task) bool {
		return task.Status().IsTerminal()
	})
}

// reopen is the shared resume/retry/restart flow: validate the job, reset
// the selected terminal tasks, put the job back to PENDING and queue the
// reset tasks.
func (s *JobService) reopen(
	ctx context.Context,
	jobID uuid.UUID,
	check func(job *domain.Job) error,
	include func(task *domain.Task) bool,
) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := check(job); err != nil {
		return err
	}

	tasks, err := s.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := job.Reopen(); err != nil {
		return err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	for _, task := range tasks {
		if !include(task) {
			continue
		}
		if err := task.Reset(); err != nil {
			return err
		}
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("updating task %s: %w", task.ID(), err)
		}
		if err := s.enqueue(ctx, job, task); err != nil {
			return err
		}
	}
	s.log.Info(ctx, "job reopened", "job_id", jobID)
	return nil
}

// DeleteJob removes a job that never ran, together with its tasks and
// queue entries.
func (s *JobService) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	tasks, err := s.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsDeletable(tasks) {
		return fmt.Errorf("cannot delete job in status %s", job.Status())
	}

	for _, task := range tasks {
		if err := s.deleteEntry(ctx, task.ID()); err != nil {
			return err
		}
		if err := s.tasks.Delete(ctx, task.ID()); err != nil {
			return fmt.Errorf("deleting task %s: %w", task.ID(), err)
		}
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	s.log.Info(ctx, "job deleted", "job_id", jobID)
	return nil
}

// PostProcess re-derives the job status from its task statuses and sends
// the finished notification when the job just reached a terminal state.
// The re-derivation runs inside jobs.Mutate so concurrent workers finishing
// sibling tasks serialize on the job; only the mutation that performed the
// terminal transition observes changed=true and notifies.
func (s *JobService) PostProcess(ctx context.Context, jobID uuid.UUID) error {
	var finished bool
	job, err := s.jobs.Mutate(ctx, jobID, func(ctx context.Context, job *domain.Job) (bool, error) {
		tasks, err := s.tasks.ListByJob(ctx, jobID)
		if err != nil {
			return false, err
		}
		changed, err := job.PostProcess(tasks)
		if err != nil {
			return false, err
		}
		finished = changed && job.Status().IsTerminal()
		return changed, nil
	})
	if err != nil {
		return err
	}

	if finished {
		s.metrics.IncJobsFinished(ctx, string(job.Status()))
		if s.notifier != nil {
			if err := s.notifier.NotifyJobFinished(ctx, job); err != nil {
				s.log.Error(ctx, "job finished notification failed",
					"job_id", jobID, "err", err)
			}
		}
	}
	return nil
}

// deleteEntry removes the queue entry of a task, tolerating its absence.
func (s *JobService) deleteEntry(ctx context.Context, taskID uuid.UUID) error {
	if err := s.queue.DeleteByTask(ctx, taskID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("deleting queue entry of task %s: %w", taskID, err)
	}
	return nil
}
