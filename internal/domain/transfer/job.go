package transfer

import (
	"fmt"

	"github.com/google/uuid"
)

// Job coordinates and tracks a collection of related DICOM tasks. Its status
// is derived from the task statuses through PostProcess; workers never set a
// job status directly.
type Job struct {
	id                uuid.UUID
	kind              TaskKind
	owner             string
	projectName       string
	urgent            bool
	trialProtocolID   string
	trialProtocolName string
	archivePassword   string
	status            JobStatus
	message           string
	timeline          *Timeline
}

// JobOption customizes a new job.
type JobOption func(*Job)

// WithUrgent marks the job urgent so its tasks queue at elevated priority.
func WithUrgent() JobOption { return func(j *Job) { j.urgent = true } }

// WithProject records the project description shown to reviewers.
func WithProject(name string) JobOption { return func(j *Job) { j.projectName = name } }

// WithTrialProtocol sets the clinical trial attributes stamped on
// anonymized datasets.
func WithTrialProtocol(id, name string) JobOption {
	return func(j *Job) {
		j.trialProtocolID = id
		j.trialProtocolName = name
	}
}

// WithArchivePassword makes the destination an encrypted archive protected
// by the given password.
func WithArchivePassword(password string) JobOption {
	return func(j *Job) { j.archivePassword = password }
}

// NewJob creates an unverified job owned by the given user.
func NewJob(id uuid.UUID, kind TaskKind, owner string, opts ...JobOption) *Job {
	j := &Job{
		id:       id,
		kind:     kind,
		owner:    owner,
		status:   JobStatusUnverified,
		timeline: NewTimeline(new(realTimeProvider)),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ReconstructJob creates a Job from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructJob(
	id uuid.UUID,
	kind TaskKind,
	owner, projectName string,
	urgent bool,
	trialProtocolID, trialProtocolName, archivePassword string,
	status JobStatus,
	message string,
	timeline *Timeline,
) *Job {
	return &Job{
		id:                id,
		kind:              kind,
		owner:             owner,
		projectName:       projectName,
		urgent:            urgent,
		trialProtocolID:   trialProtocolID,
		trialProtocolName: trialProtocolName,
		archivePassword:   archivePassword,
		status:            status,
		message:           message,
		timeline:          timeline,
	}
}

func (j *Job) ID() uuid.UUID             { return j.id }
func (j *Job) Kind() TaskKind            { return j.kind }
func (j *Job) Owner() string             { return j.owner }
func (j *Job) ProjectName() string       { return j.projectName }
func (j *Job) Urgent() bool              { return j.urgent }
func (j *Job) TrialProtocolID() string   { return j.trialProtocolID }
func (j *Job) TrialProtocolName() string { return j.trialProtocolName }
func (j *Job) ArchivePassword() string   { return j.archivePassword }
func (j *Job) Status() JobStatus         { return j.status }
func (j *Job) Message() string           { return j.message }
func (j *Job) Timeline() *Timeline       { return j.timeline }

// IsVerified reports whether the job passed verification.
func (j *Job) IsVerified() bool { return j.status != JobStatusUnverified }

// IsDeletable reports whether the job may be removed entirely. Tasks that
// already ran pin the job; the caller passes the job's tasks.
func (j *Job) IsDeletable(tasks []*Task) bool {
	if j.status != JobStatusUnverified && j.status != JobStatusPending {
		return false
	}
	for _, t := range tasks {
		if t.Status() != TaskStatusPending {
			return false
		}
	}
	return true
}

// IsCancelable reports whether cancellation may be requested.
func (j *Job) IsCancelable() bool {
	return j.status == JobStatusPending || j.status == JobStatusInProgress
}

// IsResumable reports whether a canceled job may continue.
func (j *Job) IsResumable() bool { return j.status == JobStatusCanceled }

// IsRetriable reports whether the failed tasks of the job may run again.
func (j *Job) IsRetriable() bool { return j.status == JobStatusFailure }

// IsRestartable reports whether the whole job may run again from scratch.
func (j *Job) IsRestartable() bool { return j.status.IsTerminal() }

// Verify releases an unverified job for processing.
func (j *Job) Verify() error { return j.updateStatus(JobStatusPending, "") }

// Cancel requests cooperative cancellation. Workers stop at the next safe
// boundary and PostProcess settles the job on CANCELED.
func (j *Job) Cancel() error {
	if !j.IsCancelable() {
		return fmt.Errorf("cannot cancel job in status %s", j.status)
	}
	return j.updateStatus(JobStatusCanceling, "")
}

// Reopen puts a terminal job back to PENDING for resume, retry or restart.
// The caller is responsible for resetting the appropriate tasks first.
func (j *Job) Reopen() error {
	if !j.status.IsTerminal() {
		return fmt.Errorf("cannot reopen job in status %s", j.status)
	}
	return j.updateStatus(JobStatusPending, "")
}

func (j *Job) updateStatus(target JobStatus, message string) error {
	if err := j.status.ValidateTransition(target); err != nil {
		return err
	}
	if j.status == target {
		return nil
	}

	if j.status == JobStatusPending && target == JobStatusInProgress {
		j.timeline.MarkStarted()
	}
	if target.IsTerminal() {
		j.timeline.MarkEnded()
	}

	j.status = target
	j.message = message
	return nil
}

// PostProcess derives the job status from its tasks. It must be called after
// every task-status change, under the same transactional isolation the task
// update used. The returned flag reports whether the status changed; a change
// into a terminal state is the single point where the caller notifies.
//
// The aggregation rules:
//   - any task PENDING keeps the job PENDING (CANCELING is preserved),
//   - any task IN_PROGRESS keeps the job IN_PROGRESS (CANCELING preserved),
//   - a CANCELING job whose tasks are all terminal becomes CANCELED,
//   - otherwise the mix of SUCCESS/WARNING/FAILURE decides the result.
func (j *Job) PostProcess(tasks []*Task) (bool, error) {
	if len(tasks) == 0 {
		return false, fmt.Errorf("job %s has no tasks to post-process", j.id)
	}

	var hasPending, hasInProgress, hasSuccess, hasWarning, hasFailure bool
	for _, t := range tasks {
		switch t.Status() {
		case TaskStatusPending:
			hasPending = true
		case TaskStatusInProgress:
			hasInProgress = true
		case TaskStatusSuccess:
			hasSuccess = true
		case TaskStatusWarning:
			hasWarning = true
		case TaskStatusFailure:
			hasFailure = true
		}
	}

	before := j.status

	switch {
	case hasPending:
		if j.status != JobStatusCanceling {
			if err := j.updateStatus(JobStatusPending, ""); err != nil {
				return false, err
			}
		}
	case hasInProgress:
		if j.status != JobStatusCanceling {
			if err := j.updateStatus(JobStatusInProgress, ""); err != nil {
				return false, err
			}
		}
	case j.status == JobStatusCanceling:
		if err := j.updateStatus(JobStatusCanceled, ""); err != nil {
			return false, err
		}
	default:
		status, message, err := resultOf(hasSuccess, hasWarning, hasFailure)
		if err != nil {
			return false, fmt.Errorf("job %s: %w", j.id, err)
		}
		if err := j.updateStatus(status, message); err != nil {
			return false, err
		}
	}

	return j.status != before, nil
}

// resultOf maps the presence of task result statuses to the job outcome.
func resultOf(hasSuccess, hasWarning, hasFailure bool) (JobStatus, string, error) {
	switch {
	case hasSuccess && !hasWarning && !hasFailure:
		return JobStatusSuccess, "All tasks succeeded.", nil
	case hasFailure && (hasSuccess || hasWarning):
		return JobStatusFailure, "Some tasks failed.", nil
	case hasSuccess && hasWarning:
		return JobStatusWarning, "Some tasks have warnings.", nil
	case hasWarning:
		return JobStatusWarning, "All tasks have warnings.", nil
	case hasFailure:
		return JobStatusFailure, "All tasks failed.", nil
	default:
		// All tasks terminal yet none finished with a result. This cannot
		// happen outside a programming error, so fail loudly.
		return "", "", fmt.Errorf("no task finished with success, warning or failure")
	}
}
