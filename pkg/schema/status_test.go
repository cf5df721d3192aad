package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, WorkflowStatusRunning.Terminal())
	assert.True(t, WorkflowStatusCompleted.Terminal())
	assert.True(t, WorkflowStatusFailed.Terminal())

	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())

	assert.False(t, EnrollmentStatusActive.Terminal())
	assert.True(t, EnrollmentStatusCompleted.Terminal())
	assert.True(t, EnrollmentStatusUnsubscribed.Terminal())
	assert.True(t, EnrollmentStatusFailed.Terminal())
}

func TestPriorityRankRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		assert.Equal(t, p, PriorityFromRank(p.Rank()))
	}
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())

	// Unknown ranks and labels collapse to normal.
	assert.Equal(t, PriorityNormal, PriorityFromRank(99))
	assert.Equal(t, 1, Priority("urgent").Rank())
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("").Valid())
	assert.False(t, Priority("urgent").Valid())
}
