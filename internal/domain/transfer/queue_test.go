package transfer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestQueuedEntryEligibility(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	entry := NewQueuedEntry(uuid.New(), uuid.New(), DefaultPriority, time.Time{})
	assert.True(t, entry.Eligible(now), "no eta means dispatchable")

	entry = NewQueuedEntry(uuid.New(), uuid.New(), DefaultPriority, now.Add(time.Minute))
	assert.False(t, entry.Eligible(now))
	assert.True(t, entry.Eligible(now.Add(2*time.Minute)))

	entry.MarkLocked()
	assert.False(t, entry.Eligible(now.Add(2*time.Minute)), "locked entries are never eligible")
}

func TestQueuedEntryDeferBumpsPriorityAndUnlocks(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	entry := NewQueuedEntry(uuid.New(), uuid.New(), UrgentPriority, time.Time{})
	entry.MarkLocked()

	entry.Defer(now.Add(time.Minute))
	assert.Equal(t, UrgentPriority+1, entry.Priority())
	assert.Equal(t, now.Add(time.Minute), entry.ETA())
	assert.False(t, entry.Locked())
}

func TestQueuedEntryPriorityCap(t *testing.T) {
	entry := NewQueuedEntry(uuid.New(), uuid.New(), MaxPriority+3, time.Time{})
	assert.Equal(t, MaxPriority, entry.Priority())

	entry.Defer(time.Time{})
	assert.Equal(t, MaxPriority, entry.Priority(), "deferring never exceeds the cap")
}
