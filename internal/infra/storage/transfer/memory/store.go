// Package memory provides in-memory implementations of the transfer
// repositories. They back unit tests and the fake-connector end-to-end
// tests; the production worker uses the postgres implementations.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
)

// JobStore is an in-memory domain.JobRepository.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

var _ domain.JobRepository = (*JobStore)(nil)

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID()] = job
	return nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (s *JobStore) Update(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID()]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[job.ID()] = job
	return nil
}

// Mutate applies fn under the store lock, so concurrent mutations of one
// job serialize and each fn observes the previously committed state. fn
// gets a clone; the stored job only changes when fn reports a change.
func (s *JobStore) Mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, job *domain.Job) (bool, error)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	job := cloneJob(stored)
	changed, err := fn(ctx, job)
	if err != nil {
		return nil, err
	}
	if changed {
		s.jobs[id] = job
	}
	return job, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	tl := job.Timeline()
	return domain.ReconstructJob(
		job.ID(), job.Kind(), job.Owner(), job.ProjectName(), job.Urgent(),
		job.TrialProtocolID(), job.TrialProtocolName(), job.ArchivePassword(),
		job.Status(), job.Message(),
		domain.ReconstructTimeline(tl.CreatedAt(), tl.StartedAt(), tl.EndedAt()),
	)
}

func (s *JobStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// TaskStore is an in-memory domain.TaskRepository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
}

var _ domain.TaskRepository = (*TaskStore)(nil)

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID()] = task
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func (s *TaskStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*domain.Task
	for _, task := range s.tasks {
		if task.JobID() == jobID {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (s *TaskStore) Update(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID()]; !ok {
		return domain.ErrNotFound
	}
	s.tasks[task.ID()] = task
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// QueueStore is an in-memory domain.QueueRepository. Selection and locking
// happen under one mutex hold, mirroring the row-locked selection of the
// postgres implementation.
type QueueStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.QueuedEntry
	now     func() time.Time
}

var _ domain.QueueRepository = (*QueueStore)(nil)

// NewQueueStore creates an empty queue.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		entries: make(map[uuid.UUID]*domain.QueuedEntry),
		now:     time.Now,
	}
}

// SetNow overrides the clock used for eligibility checks in tests.
func (s *QueueStore) SetNow(now func() time.Time) { s.now = now }

func (s *QueueStore) Enqueue(ctx context.Context, entry *domain.QueuedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.TaskID() == entry.TaskID() {
			return domain.ErrDuplicateQueueEntry
		}
	}
	s.entries[entry.ID()] = entry
	return nil
}

func (s *QueueStore) NextEligible(ctx context.Context) (*domain.QueuedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *domain.QueuedEntry
	for _, entry := range s.entries {
		if !entry.Eligible(now) {
			continue
		}
		if best == nil ||
			entry.Priority() > best.Priority() ||
			(entry.Priority() == best.Priority() && entry.Created().Before(best.Created())) {
			best = entry
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	best.MarkLocked()
	return best, nil
}

func (s *QueueStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.QueuedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.TaskID() == taskID {
			return entry, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *QueueStore) Update(ctx context.Context, entry *domain.QueuedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID()]; !ok {
		return domain.ErrNotFound
	}
	s.entries[entry.ID()] = entry
	return nil
}

func (s *QueueStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *QueueStore) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if entry.TaskID() == taskID {
			delete(s.entries, id)
			return nil
		}
	}
	return nil
}

// Len reports the number of queued entries.
func (s *QueueStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NodeStore is an in-memory domain.NodeRepository.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*domain.Node
}

var _ domain.NodeRepository = (*NodeStore)(nil)

// NewNodeStore creates a node store holding the given nodes.
func NewNodeStore(nodes ...*domain.Node) *NodeStore {
	s := &NodeStore{nodes: make(map[uuid.UUID]*domain.Node, len(nodes))}
	for _, node := range nodes {
		s.nodes[node.ID()] = node
	}
	return s
}

// Add registers a node.
func (s *NodeStore) Add(node *domain.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID()] = node
}

func (s *NodeStore) Get(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return node, nil
}

func (s *NodeStore) GetByName(ctx context.Context, name string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.Name() == name {
			return node, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Locker is a process-local domain.DispatchLocker for tests and
// single-process deployments.
type Locker struct{ mu sync.Mutex }

var _ domain.DispatchLocker = (*Locker)(nil)

// NewLocker creates a locker.
func NewLocker() *Locker { return &Locker{} }

func (l *Locker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// RecordingNotifier captures job-finished notifications.
type RecordingNotifier struct {
	mu       sync.Mutex
	Notified []uuid.UUID
}

var _ domain.Notifier = (*RecordingNotifier)(nil)

func (n *RecordingNotifier) NotifyJobFinished(ctx context.Context, job *domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notified = append(n.Notified, job.ID())
	return nil
}
