package transfer

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks the temporal aspects of jobs and tasks.
type Timeline struct {
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	return &Timeline{
		createdAt:    timeProvider.Now(),
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline creates a Timeline from persisted timestamps.
// This should only be used by repositories when loading from the DB.
func ReconstructTimeline(createdAt, startedAt, endedAt time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		startedAt:    startedAt,
		endedAt:      endedAt,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the creation time.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns when processing began.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// EndedAt returns when processing reached a terminal state.
func (t *Timeline) EndedAt() time.Time { return t.endedAt }

// MarkStarted records the processing start time. The end time is cleared so
// a restarted job or task reports a consistent window.
func (t *Timeline) MarkStarted() {
	t.startedAt = t.timeProvider.Now()
	t.endedAt = time.Time{}
}

// MarkEnded records the terminal transition time.
func (t *Timeline) MarkEnded() { t.endedAt = t.timeProvider.Now() }

// HasEnded checks if the timeline has been marked as ended.
func (t *Timeline) HasEnded() bool { return !t.endedAt.IsZero() }
