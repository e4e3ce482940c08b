package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	transferapp "github.com/ahrav/pacs-ferry/internal/app/transfer"
	"github.com/ahrav/pacs-ferry/internal/config"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

// timeSlot is an optional daily dispatch window, possibly wrapping past
// midnight ("22:00" to "06:00").
type timeSlot struct {
	begin time.Duration
	end   time.Duration
	set   bool
}

// parseTimeSlot reads the "HH:MM" window bounds. Both empty disables the
// window.
func parseTimeSlot(begin, end string) (timeSlot, error) {
	if begin == "" && end == "" {
		return timeSlot{}, nil
	}
	if begin == "" || end == "" {
		return timeSlot{}, fmt.Errorf("time slot needs both bounds, got %q and %q", begin, end)
	}
	b, err := parseClock(begin)
	if err != nil {
		return timeSlot{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return timeSlot{}, err
	}
	return timeSlot{begin: b, end: e, set: true}, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// contains reports whether the wall-clock time of now falls in the window.
func (s timeSlot) contains(now time.Time) bool {
	if !s.set {
		return true
	}
	clock := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	if s.begin <= s.end {
		return clock >= s.begin && clock < s.end
	}
	return clock >= s.begin || clock < s.end
}

// Worker runs the dispatch loops. Each loop repeatedly selects the next
// eligible queue entry under the dispatch lock and executes its task with
// the processor registered for the task kind.
type Worker struct {
	cfg config.WorkerConfig

	jobs    domain.JobRepository
	tasks   domain.TaskRepository
	queue   domain.QueueRepository
	locker  domain.DispatchLocker
	service *JobService

	processors map[domain.TaskKind]transferapp.Processor
	metrics    WorkerMetrics

	slot timeSlot
	now  func() time.Time

	log *logger.Logger
}

// NewWorker wires a worker. It fails when the configured time slot does not
// parse.
func NewWorker(
	cfg config.WorkerConfig,
	jobs domain.JobRepository,
	tasks domain.TaskRepository,
	queue domain.QueueRepository,
	locker domain.DispatchLocker,
	service *JobService,
	processors map[domain.TaskKind]transferapp.Processor,
	metrics WorkerMetrics,
	log *logger.Logger,
) (*Worker, error) {
	slot, err := parseTimeSlot(cfg.TimeSlotBegin, cfg.TimeSlotEnd)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{
		cfg:        cfg,
		jobs:       jobs,
		tasks:      tasks,
		queue:      queue,
		locker:     locker,
		service:    service,
		processors: processors,
		metrics:    metrics,
		slot:       slot,
		now:        time.Now,
		log:        log,
	}, nil
}

// Run blocks until ctx is canceled, polling the queue from the configured
// number of loops. In-flight tasks finish before Run returns.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			w.runLoop(ctx, loop)
		}(i)
	}
	wg.Wait()
	w.log.Info(ctx, "worker drained")
}

func (w *Worker) runLoop(ctx context.Context, loop int) {
	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		// Keep pulling without pause while work is available.
		for w.pollOnce(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce selects and executes at most one task. It reports whether a task
// was executed so the caller can poll again immediately.
func (w *Worker) pollOnce(ctx context.Context) bool {
	if !w.slot.contains(w.now()) {
		return false
	}

	var entry *domain.QueuedEntry
	err := w.locker.WithLock(ctx, func(ctx context.Context) error {
		var err error
		entry, err = w.queue.NextEligible(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			w.log.Error(ctx, "selecting next queue entry failed", "err", err)
		}
		return false
	}
	if entry == nil {
		return false
	}

	if err := w.executeEntry(ctx, entry); err != nil && ctx.Err() == nil {
		w.log.Error(ctx, "executing queue entry failed",
			"entry_id", entry.ID(), "task_id", entry.TaskID(), "err", err)
	}
	return true
}

// executeEntry runs the task behind one locked queue entry through its
// processor and settles task, entry and job according to the outcome.
func (w *Worker) executeEntry(ctx context.Context, entry *domain.QueuedEntry) (err error) {
	// A claimed entry must not stay locked when execution bails out early:
	// there is no lease to expire, so a stranded lock would remove the task
	// from dispatch forever. Settled entries are unlocked or deleted by then.
	defer func() {
		if err != nil && entry.Locked() {
			w.releaseEntry(ctx, entry)
		}
	}()

	task, err := w.tasks.Get(ctx, entry.TaskID())
	if err != nil {
		// Orphaned entry, drop it.
		if errors.Is(err, domain.ErrNotFound) {
			return w.queue.Delete(ctx, entry.ID())
		}
		return err
	}
	job, err := w.jobs.Get(ctx, task.JobID())
	if err != nil {
		return err
	}

	// A cancel request that arrived while the task waited wins before any
	// work starts.
	if job.Status() == domain.JobStatusCanceling {
		if err := task.Cancel(); err != nil {
			return err
		}
		if err := w.tasks.Update(ctx, task); err != nil {
			return err
		}
		if err := w.queue.Delete(ctx, entry.ID()); err != nil {
			return err
		}
		return w.service.PostProcess(ctx, job.ID())
	}

	processor, ok := w.processors[task.Kind()]
	if !ok {
		if err := task.Finish(domain.TaskStatusFailure,
			fmt.Sprintf("No processor for %s tasks.", task.Kind())); err != nil {
			return err
		}
		if err := w.tasks.Update(ctx, task); err != nil {
			return err
		}
		if err := w.queue.Delete(ctx, entry.ID()); err != nil {
			return err
		}
		return w.service.PostProcess(ctx, job.ID())
	}

	if err := task.Start(); err != nil {
		return err
	}
	if err := w.tasks.Update(ctx, task); err != nil {
		return err
	}
	if err := w.service.PostProcess(ctx, job.ID()); err != nil {
		return err
	}

	w.log.Info(ctx, "task started",
		"task_id", task.ID(), "job_id", job.ID(), "attempt", task.Attempts())
	w.metrics.IncTasksDispatched(ctx, string(task.Kind()))

	taskCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	var result transferapp.ProcessResult
	procErr := w.metrics.TrackTask(ctx, string(task.Kind()), func() error {
		var err error
		result, err = processor.Process(taskCtx, job, task)
		return err
	})
	if err := w.settle(ctx, entry, task, result, procErr); err != nil {
		return err
	}
	return w.service.PostProcess(ctx, job.ID())
}

// releaseEntry unlocks a claimed entry so a later poll can pick it up
// again, deferring it by the retry delay. Detached from ctx so a shutdown
// cancellation cannot strand the lock; an entry deleted by a settlement
// that already ran is left alone.
func (w *Worker) releaseEntry(ctx context.Context, entry *domain.QueuedEntry) {
	ctx = context.WithoutCancel(ctx)
	entry.Defer(w.now().Add(w.cfg.RetryDelay))
	if err := w.queue.Update(ctx, entry); err != nil && !errors.Is(err, domain.ErrNotFound) {
		w.log.Error(ctx, "releasing queue entry failed",
			"entry_id", entry.ID(), "task_id", entry.TaskID(), "err", err)
	}
}

// settle applies the processing outcome to the task and its queue entry.
// The outcome writes run detached from ctx so a worker draining on shutdown
// still records what happened to the task.
func (w *Worker) settle(
	ctx context.Context,
	entry *domain.QueuedEntry,
	task *domain.Task,
	result transferapp.ProcessResult,
	procErr error,
) error {
	ctx = context.WithoutCancel(ctx)

	switch {
	case procErr == nil:
		if err := task.Finish(result.Status, result.Message); err != nil {
			return err
		}
		w.log.Info(ctx, "task finished",
			"task_id", task.ID(), "status", task.Status())
		w.metrics.IncTasksSucceeded(ctx, string(task.Kind()))

	case errors.Is(procErr, transferapp.ErrCanceled):
		if err := task.Cancel(); err != nil {
			return err
		}
		w.log.Info(ctx, "task canceled", "task_id", task.ID())
		w.metrics.IncTasksCanceled(ctx, string(task.Kind()))

	case w.isRetriable(procErr):
		if task.Attempts() >= w.cfg.RetryCeiling {
			if err := task.Finish(domain.TaskStatusFailure, fmt.Sprintf(
				"Failed after %d attempts: %v", task.Attempts(), procErr)); err != nil {
				return err
			}
			w.log.Warn(ctx, "task failed at retry ceiling",
				"task_id", task.ID(), "attempts", task.Attempts(), "err", procErr)
			w.metrics.IncTasksFailed(ctx, string(task.Kind()))
		} else {
			if err := task.Requeue(procErr.Error()); err != nil {
				return err
			}
			entry.Defer(w.now().Add(w.cfg.RetryDelay))
			if err := w.tasks.Update(ctx, task); err != nil {
				return err
			}
			w.log.Warn(ctx, "task requeued",
				"task_id", task.ID(), "attempts", task.Attempts(),
				"eta", entry.ETA(), "err", procErr)
			w.metrics.IncTasksRetried(ctx, string(task.Kind()))
			return w.queue.Update(ctx, entry)
		}

	default:
		if err := task.Finish(domain.TaskStatusFailure, procErr.Error()); err != nil {
			return err
		}
		w.log.Warn(ctx, "task failed", "task_id", task.ID(), "err", procErr)
		w.metrics.IncTasksFailed(ctx, string(task.Kind()))
	}

	if err := w.tasks.Update(ctx, task); err != nil {
		return err
	}
	return w.queue.Delete(ctx, entry.ID())
}

// isRetriable classifies a processing error. Besides errors the connector
// explicitly marked, hitting the per-task deadline or being cut off by a
// worker shutdown is worth another attempt.
func (w *Worker) isRetriable(err error) bool {
	return domain.IsRetriable(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
