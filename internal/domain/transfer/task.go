package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind discriminates what a task does with its resolved studies.
type TaskKind string

const (
	// TaskKindTransfer downloads matching studies and delivers them to the
	// task's destination.
	TaskKindTransfer TaskKind = "transfer"

	// TaskKindQuery only searches and records what matched.
	TaskKindQuery TaskKind = "query"
)

// LogEntry is one structured per-operation note collected while a task runs.
// The entries become the user-visible task log.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// TaskSpec carries the validated batch-row fields identifying what to
// resolve and transfer. The caller guarantees identifying fields are free of
// wildcards, backslashes and control characters.
type TaskSpec struct {
	PatientID        string
	PatientName      string
	PatientBirthDate time.Time
	AccessionNumber  string
	StudyDateStart   time.Time
	StudyDateEnd     time.Time
	StudyDescription string
	Modalities       []string
	StudyUID         string
	SeriesUIDs       []string
	SeriesNumbers    []string
	Pseudonym        string
}

// Task is one unit of work within a job: a single batch row or a single
// selected study. It is mutated exclusively by the worker executing it.
type Task struct {
	id            uuid.UUID
	jobID         uuid.UUID
	kind          TaskKind
	sourceID      uuid.UUID
	destinationID uuid.UUID
	spec          TaskSpec
	status        TaskStatus
	attempts      int
	message       string
	log           []LogEntry
	timeline      *Timeline
}

// NewTask creates a pending task for the job. destinationID is the zero UUID
// for query tasks.
func NewTask(id, jobID uuid.UUID, kind TaskKind, sourceID, destinationID uuid.UUID, spec TaskSpec) *Task {
	return &Task{
		id:            id,
		jobID:         jobID,
		kind:          kind,
		sourceID:      sourceID,
		destinationID: destinationID,
		spec:          spec,
		status:        TaskStatusPending,
		timeline:      NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructTask creates a Task from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructTask(
	id, jobID uuid.UUID,
	kind TaskKind,
	sourceID, destinationID uuid.UUID,
	spec TaskSpec,
	status TaskStatus,
	attempts int,
	message string,
	log []LogEntry,
	timeline *Timeline,
) *Task {
	return &Task{
		id:            id,
		jobID:         jobID,
		kind:          kind,
		sourceID:      sourceID,
		destinationID: destinationID,
		spec:          spec,
		status:        status,
		attempts:      attempts,
		message:       message,
		log:           log,
		timeline:      timeline,
	}
}

func (t *Task) ID() uuid.UUID            { return t.id }
func (t *Task) JobID() uuid.UUID         { return t.jobID }
func (t *Task) Kind() TaskKind           { return t.kind }
func (t *Task) SourceID() uuid.UUID      { return t.sourceID }
func (t *Task) DestinationID() uuid.UUID { return t.destinationID }
func (t *Task) Spec() TaskSpec           { return t.spec }
func (t *Task) Status() TaskStatus       { return t.status }
func (t *Task) Attempts() int            { return t.attempts }
func (t *Task) Message() string          { return t.message }
func (t *Task) Log() []LogEntry          { return t.log }
func (t *Task) Timeline() *Timeline      { return t.timeline }

// IsDeletable reports whether the task may be removed. Only tasks that were
// never picked up qualify.
func (t *Task) IsDeletable() bool { return t.status == TaskStatusPending }

// IsResettable reports whether the task may be reset back to PENDING.
func (t *Task) IsResettable() bool { return t.status.IsTerminal() }

// IsKillable reports whether the task is currently being processed.
func (t *Task) IsKillable() bool { return t.status == TaskStatusInProgress }

// Start transitions the task to IN_PROGRESS and counts the attempt.
func (t *Task) Start() error {
	if err := t.status.ValidateTransition(TaskStatusInProgress); err != nil {
		return err
	}
	t.status = TaskStatusInProgress
	t.attempts++
	t.timeline.MarkStarted()
	return nil
}

// Requeue puts an in-progress task back to PENDING after a retriable
// failure. The attempt counter is kept; the scheduler enforces the ceiling.
func (t *Task) Requeue(message string) error {
	if err := t.status.ValidateTransition(TaskStatusPending); err != nil {
		return err
	}
	t.status = TaskStatusPending
	t.message = message
	return nil
}

// Finish moves the task to one of the terminal result states.
func (t *Task) Finish(status TaskStatus, message string) error {
	switch status {
	case TaskStatusSuccess, TaskStatusWarning, TaskStatusFailure:
	default:
		return fmt.Errorf("finish requires a result status, got %s", status)
	}
	if err := t.status.ValidateTransition(status); err != nil {
		return err
	}
	t.status = status
	t.message = message
	t.timeline.MarkEnded()
	return nil
}

// Cancel stops the task for good, from the queue or mid-processing.
func (t *Task) Cancel() error {
	if err := t.status.ValidateTransition(TaskStatusCanceled); err != nil {
		return err
	}
	t.status = TaskStatusCanceled
	t.timeline.MarkEnded()
	return nil
}

// Reset returns a terminal task to PENDING so it can run again. Attempts,
// message and log start over.
func (t *Task) Reset() error {
	if !t.IsResettable() {
		return fmt.Errorf("cannot reset task in status %s", t.status)
	}
	t.status = TaskStatusPending
	t.attempts = 0
	t.message = ""
	t.log = nil
	return nil
}

// AppendLog records a structured note on the task.
func (t *Task) AppendLog(level, message string) {
	t.log = append(t.log, LogEntry{
		Time:    t.timeline.timeProvider.Now(),
		Level:   level,
		Message: message,
	})
}
