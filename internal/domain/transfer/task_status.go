package transfer

import "fmt"

// TaskStatus represents the current state of a DICOM task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and waiting for a
	// worker.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusInProgress indicates a worker is executing the task.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"

	// TaskStatusCanceled indicates the task was stopped by a job
	// cancellation.
	TaskStatusCanceled TaskStatus = "CANCELED"

	// TaskStatusSuccess indicates the task finished without incident.
	TaskStatusSuccess TaskStatus = "SUCCESS"

	// TaskStatusWarning indicates the task finished but some work was only
	// partially successful.
	TaskStatusWarning TaskStatus = "WARNING"

	// TaskStatusFailure indicates the task failed for good.
	TaskStatusFailure TaskStatus = "FAILURE"
)

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status is an end state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCanceled, TaskStatusSuccess, TaskStatusWarning, TaskStatusFailure:
		return true
	}
	return false
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCanceled,
		TaskStatusSuccess, TaskStatusWarning, TaskStatusFailure:
		return TaskStatus(s)
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s TaskStatus) ValidateTransition(target TaskStatus) error {
	if s == target {
		return nil
	}
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusInProgress || target == TaskStatusCanceled
	case TaskStatusInProgress:
		switch target {
		// Back to PENDING happens when a retriable failure requeues the task.
		case TaskStatusPending, TaskStatusCanceled,
			TaskStatusSuccess, TaskStatusWarning, TaskStatusFailure:
			return true
		}
		return false
	case TaskStatusCanceled, TaskStatusSuccess, TaskStatusWarning, TaskStatusFailure:
		// Terminal tasks may only be reset back to PENDING.
		return target == TaskStatusPending
	default:
		return false
	}
}
