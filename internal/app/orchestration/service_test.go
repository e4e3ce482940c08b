package orchestration

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage/transfer/memory"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

type serviceFixture struct {
	jobs     *memory.JobStore
	tasks    *memory.TaskStore
	queue    *memory.QueueStore
	notifier *memory.RecordingNotifier
	service  *JobService

	job   *domain.Job
	task1 *domain.Task
	task2 *domain.Task
}

func newServiceFixture(t *testing.T, jobOpts ...domain.JobOption) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		jobs:     memory.NewJobStore(),
		tasks:    memory.NewTaskStore(),
		queue:    memory.NewQueueStore(),
		notifier: &memory.RecordingNotifier{},
	}
	f.service = NewJobService(f.jobs, f.tasks, f.queue, f.notifier, nil, testLogger())

	f.job = domain.NewJob(uuid.New(), domain.TaskKindTransfer, "alice", jobOpts...)
	source, destination := uuid.New(), uuid.New()
	f.task1 = domain.NewTask(uuid.New(), f.job.ID(), domain.TaskKindTransfer, source, destination,
		domain.TaskSpec{PatientID: "PAT001", StudyUID: "1.2.3.1"})
	f.task2 = domain.NewTask(uuid.New(), f.job.ID(), domain.TaskKindTransfer, source, destination,
		domain.TaskSpec{PatientID: "PAT002", StudyUID: "1.2.3.2"})

	require.NoError(t, f.service.CreateJob(context.Background(), f.job, []*domain.Task{f.task1, f.task2}))
	return f
}

func TestCreateJobRejectsForeignTasks(t *testing.T) {
	f := &serviceFixture{
		jobs:  memory.NewJobStore(),
		tasks: memory.NewTaskStore(),
		queue: memory.NewQueueStore(),
	}
	f.service = NewJobService(f.jobs, f.tasks, f.queue, nil, nil, testLogger())

	job := domain.NewJob(uuid.New(), domain.TaskKindTransfer, "alice")
	stray := domain.NewTask(uuid.New(), uuid.New(), domain.TaskKindTransfer, uuid.New(), uuid.New(), domain.TaskSpec{})

	err := f.service.CreateJob(context.Background(), job, []*domain.Task{stray})
	assert.Error(t, err)

	err = f.service.CreateJob(context.Background(), job, nil)
	assert.Error(t, err)
}

func TestVerifyJobQueuesPendingTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status())
	assert.Equal(t, 2, f.queue.Len())

	entry, err := f.queue.GetByTask(ctx, f.task1.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPriority, entry.Priority())
}

func TestVerifyUrgentJobQueuesAtElevatedPriority(t *testing.T) {
	f := newServiceFixture(t, domain.WithUrgent())
	ctx := context.Background()

	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	entry, err := f.queue.GetByTask(ctx, f.task1.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.UrgentPriority, entry.Priority())
}

func TestVerifyJobIsIdempotentForQueueEntries(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))
	// Verifying again is a no-op transition and must not duplicate the
	// queue entries.
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))
	assert.Equal(t, 2, f.queue.Len())
}

func TestCancelJobSettlesQueuedTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))
	require.NoError(t, f.service.CancelJob(ctx, f.job.ID()))

	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, job.Status())
	assert.Equal(t, 0, f.queue.Len())

	for _, taskID := range []uuid.UUID{f.task1.ID(), f.task2.ID()} {
		task, err := f.tasks.Get(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCanceled, task.Status())
	}
}

func TestPostProcessAggregatesAndNotifiesOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	finish := func(task *domain.Task, status domain.TaskStatus) {
		require.NoError(t, task.Start())
		require.NoError(t, task.Finish(status, ""))
		require.NoError(t, f.tasks.Update(ctx, task))
	}
	finish(f.task1, domain.TaskStatusSuccess)
	finish(f.task2, domain.TaskStatusWarning)

	require.NoError(t, f.service.PostProcess(ctx, f.job.ID()))

	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWarning, job.Status())
	assert.Equal(t, "Some tasks have warnings.", job.Message())
	assert.Equal(t, []uuid.UUID{f.job.ID()}, f.notifier.Notified)

	// Re-running post-processing observes no change and stays quiet.
	require.NoError(t, f.service.PostProcess(ctx, f.job.ID()))
	assert.Len(t, f.notifier.Notified, 1)
}

// Workers finishing sibling tasks post-process the job concurrently; the
// mutation lock must let exactly one of them observe the terminal transition.
func TestPostProcessConcurrentFinishNotifiesOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	for _, task := range []*domain.Task{f.task1, f.task2} {
		require.NoError(t, task.Start())
		require.NoError(t, task.Finish(domain.TaskStatusSuccess, ""))
		require.NoError(t, f.tasks.Update(ctx, task))
	}

	const workers = 4
	start := make(chan struct{})
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = f.service.PostProcess(ctx, f.job.ID())
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuccess, job.Status())
	assert.Equal(t, []uuid.UUID{f.job.ID()}, f.notifier.Notified)
}

func TestRetryJobResetsOnlyFailedTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	require.NoError(t, f.task1.Start())
	require.NoError(t, f.task1.Finish(domain.TaskStatusSuccess, ""))
	require.NoError(t, f.tasks.Update(ctx, f.task1))
	require.NoError(t, f.queue.DeleteByTask(ctx, f.task1.ID()))

	require.NoError(t, f.task2.Start())
	require.NoError(t, f.task2.Finish(domain.TaskStatusFailure, "peer unreachable"))
	require.NoError(t, f.tasks.Update(ctx, f.task2))
	require.NoError(t, f.queue.DeleteByTask(ctx, f.task2.ID()))

	require.NoError(t, f.service.PostProcess(ctx, f.job.ID()))
	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailure, job.Status())
	assert.Equal(t, "Some tasks failed.", job.Message())

	require.NoError(t, f.service.RetryJob(ctx, f.job.ID()))

	job, err = f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status())

	task1, err := f.tasks.Get(ctx, f.task1.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, task1.Status(), "succeeded tasks keep their result")

	task2, err := f.tasks.Get(ctx, f.task2.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task2.Status())
	assert.Equal(t, 0, task2.Attempts())
	assert.Equal(t, 1, f.queue.Len())
}

func TestResumeJobContinuesCanceledTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))
	require.NoError(t, f.service.CancelJob(ctx, f.job.ID()))

	require.NoError(t, f.service.ResumeJob(ctx, f.job.ID()))

	job, err := f.jobs.Get(ctx, f.job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status())
	assert.Equal(t, 2, f.queue.Len())
}

func TestDeleteJobRemovesEverything(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	require.NoError(t, f.service.DeleteJob(ctx, f.job.ID()))

	_, err := f.jobs.Get(ctx, f.job.ID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.tasks.Get(ctx, f.task1.ID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.queue.Len())
}

func TestDeleteJobRefusesStartedWork(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.VerifyJob(ctx, f.job.ID()))

	require.NoError(t, f.task1.Start())
	require.NoError(t, f.tasks.Update(ctx, f.task1))
	require.NoError(t, f.service.PostProcess(ctx, f.job.ID()))

	assert.Error(t, f.service.DeleteJob(ctx, f.job.ID()))
}
