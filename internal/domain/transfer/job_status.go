package transfer

import "fmt"

// JobStatus represents the current state of a DICOM job. It tracks the job
// lifecycle from submission through verification, processing and completion.
type JobStatus string

const (
	// JobStatusUnverified indicates a job awaiting verification before any
	// task may be queued.
	JobStatusUnverified JobStatus = "UNVERIFIED"

	// JobStatusPending indicates a verified job whose tasks are queued but
	// not all picked up yet.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusInProgress indicates at least one task is being processed.
	JobStatusInProgress JobStatus = "IN_PROGRESS"

	// JobStatusCanceling indicates cancellation was requested; workers stop
	// at the next safe boundary.
	JobStatusCanceling JobStatus = "CANCELING"

	// JobStatusCanceled indicates all tasks stopped after a cancellation.
	JobStatusCanceled JobStatus = "CANCELED"

	// JobStatusSuccess indicates every task succeeded.
	JobStatusSuccess JobStatus = "SUCCESS"

	// JobStatusWarning indicates all tasks finished but some with warnings.
	JobStatusWarning JobStatus = "WARNING"

	// JobStatusFailure indicates at least one task failed for good.
	JobStatusFailure JobStatus = "FAILURE"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status is an end state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCanceled, JobStatusSuccess, JobStatusWarning, JobStatusFailure:
		return true
	}
	return false
}

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusUnverified, JobStatusPending, JobStatusInProgress,
		JobStatusCanceling, JobStatusCanceled, JobStatusSuccess,
		JobStatusWarning, JobStatusFailure:
		return JobStatus(s)
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not. Transitioning to the current status is a no-op and allowed.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if s == target {
		return nil
	}
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the job lifecycle rules. The one hard rule is
// that CANCELING may only be left via CANCELED; terminal states may be
// re-opened to PENDING when a job is resumed, retried or restarted.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusUnverified:
		return target == JobStatusPending
	case JobStatusPending:
		switch target {
		// Result states are reachable directly when the last task change
		// was observed without the job ever being seen in progress.
		case JobStatusInProgress, JobStatusCanceling,
			JobStatusSuccess, JobStatusWarning, JobStatusFailure:
			return true
		}
		return false
	case JobStatusInProgress:
		switch target {
		case JobStatusPending, JobStatusCanceling,
			JobStatusSuccess, JobStatusWarning, JobStatusFailure:
			return true
		}
		return false
	case JobStatusCanceling:
		return target == JobStatusCanceled
	case JobStatusCanceled, JobStatusSuccess, JobStatusWarning, JobStatusFailure:
		return target == JobStatusPending
	default:
		return false
	}
}
