package transfer

import (
	"time"

	"github.com/google/uuid"
)

// Priority bounds for queued entries. Retries bump the priority so a task
// that already waited does not starve behind fresh work.
const (
	DefaultPriority = 0
	UrgentPriority  = 5
	MaxPriority     = 10
)

// QueuedEntry is the dispatch unit for one pending task. Exactly one
// unconsumed entry may exist per task at any time; the entry is deleted once
// the task reaches a terminal state.
type QueuedEntry struct {
	id       uuid.UUID
	taskID   uuid.UUID
	priority int
	eta      time.Time
	created  time.Time
	locked   bool
}

// NewQueuedEntry enqueues a task at the given priority. A non-zero eta defers
// dispatch until that time.
func NewQueuedEntry(id, taskID uuid.UUID, priority int, eta time.Time) *QueuedEntry {
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return &QueuedEntry{
		id:       id,
		taskID:   taskID,
		priority: priority,
		eta:      eta,
		created:  time.Now(),
	}
}

// ReconstructQueuedEntry creates a QueuedEntry from persisted fields.
// This should only be used by repositories when loading from the DB.
func ReconstructQueuedEntry(id, taskID uuid.UUID, priority int, eta, created time.Time, locked bool) *QueuedEntry {
	return &QueuedEntry{
		id:       id,
		taskID:   taskID,
		priority: priority,
		eta:      eta,
		created:  created,
		locked:   locked,
	}
}

func (e *QueuedEntry) ID() uuid.UUID      { return e.id }
func (e *QueuedEntry) TaskID() uuid.UUID  { return e.taskID }
func (e *QueuedEntry) Priority() int      { return e.priority }
func (e *QueuedEntry) ETA() time.Time     { return e.eta }
func (e *QueuedEntry) Created() time.Time { return e.created }
func (e *QueuedEntry) Locked() bool       { return e.locked }

// Eligible reports whether the entry may be dispatched at the given time.
func (e *QueuedEntry) Eligible(now time.Time) bool {
	return !e.locked && (e.eta.IsZero() || e.eta.Before(now))
}

// Defer reschedules the entry with a bumped priority and a new eta, used
// when a retriable failure requeues the task.
func (e *QueuedEntry) Defer(eta time.Time) {
	if e.priority < MaxPriority {
		e.priority++
	}
	e.eta = eta
	e.locked = false
}

// MarkLocked flags the entry as picked by a worker so no other worker
// selects it while the task runs.
func (e *QueuedEntry) MarkLocked() { e.locked = true }
