package machine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

func newTestCore(t *testing.T) (*Core, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, logger), s
}

// --- Transition tables ---

func TestWorkflowTransitionTable(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	wf, err := core.CreateWorkflow(ctx, "wf-1", "outreach", nil)
	require.NoError(t, err)

	// Edges not in the table are rejected before touching the store.
	err = core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusCompleted, schema.WorkflowStatusRunning, store.WorkflowUpdate{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	err = core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusRunning, schema.WorkflowStatusRunning, store.WorkflowUpdate{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	require.NoError(t, core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, store.WorkflowUpdate{}))
}

func TestJobTransitionTable(t *testing.T) {
	cases := []struct {
		from schema.JobStatus
		to   schema.JobStatus
		ok   bool
	}{
		{schema.JobStatusPending, schema.JobStatusProcessing, true},
		{schema.JobStatusProcessing, schema.JobStatusCompleted, true},
		{schema.JobStatusProcessing, schema.JobStatusFailed, true},
		{schema.JobStatusProcessing, schema.JobStatusPending, true},
		{schema.JobStatusPending, schema.JobStatusCompleted, false},
		{schema.JobStatusPending, schema.JobStatusFailed, false},
		{schema.JobStatusCompleted, schema.JobStatusProcessing, false},
		{schema.JobStatusFailed, schema.JobStatusPending, false},
	}
	for _, tc := range cases {
		got := allowed(ValidJobTransitions[tc.from], tc.to)
		assert.Equal(t, tc.ok, got, "%s -> %s", tc.from, tc.to)
	}
}

func TestEnrollmentTransitionTable(t *testing.T) {
	for _, terminal := range []schema.EnrollmentStatus{
		schema.EnrollmentStatusCompleted,
		schema.EnrollmentStatusUnsubscribed,
		schema.EnrollmentStatusFailed,
	} {
		assert.True(t, allowed(ValidEnrollmentTransitions[schema.EnrollmentStatusActive], terminal))
		assert.Empty(t, ValidEnrollmentTransitions[terminal], "%s must be terminal", terminal)
	}
}

func TestInvalidTransitionDetails(t *testing.T) {
	core, _ := newTestCore(t)

	err := core.TransitionJob(context.Background(), "job-1",
		schema.JobStatusCompleted, schema.JobStatusProcessing, store.JobUpdate{})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "job-1", flowErr.Details["id"])
	assert.Equal(t, "completed", flowErr.Details["from"])
	assert.Equal(t, "processing", flowErr.Details["to"])
}

// --- Idempotent creation ---

func TestCreateWorkflow_ReturnsExistingOnRetry(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	first, err := core.CreateWorkflow(ctx, "wf-1", "outreach", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	second, err := core.CreateWorkflow(ctx, "wf-1", "renamed", json.RawMessage(`{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "outreach", second.Name)
	assert.JSONEq(t, `{"a":1}`, string(second.Input))
}

func TestCreateWorkflow_GeneratesIDWhenEmpty(t *testing.T) {
	core, _ := newTestCore(t)

	wf, err := core.CreateWorkflow(context.Background(), "", "adhoc", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
}

func TestCreateJob_ReturnsExistingOnRetry(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	first, err := core.CreateJob(ctx, "job-1", "send", schema.PriorityHigh, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusPending, first.Status)

	second, err := core.CreateJob(ctx, "job-1", "send", schema.PriorityLow, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityHigh, second.Priority)
}

// --- Terminal timestamp auto-fill ---

func TestTransitionWorkflow_FillsTerminalTimestamp(t *testing.T) {
	core, s := newTestCore(t)
	ctx := context.Background()

	wf, err := core.CreateWorkflow(ctx, "wf-1", "outreach", nil)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusRunning, schema.WorkflowStatusFailed,
		store.WorkflowUpdate{Error: json.RawMessage(`{"message":"provider timeout"}`)}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailedAt)
	assert.False(t, got.FailedAt.Before(before.Truncate(time.Second)))
	assert.JSONEq(t, `{"message":"provider timeout"}`, string(got.Error))
}

func TestTransitionWorkflow_KeepsCallerTimestamp(t *testing.T) {
	core, s := newTestCore(t)
	ctx := context.Background()

	wf, err := core.CreateWorkflow(ctx, "wf-1", "outreach", nil)
	require.NoError(t, err)

	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted,
		store.WorkflowUpdate{CompletedAt: &ts}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, ts, *got.CompletedAt, time.Second)
}

func TestTransitionJob_FillsTerminalTimestamp(t *testing.T) {
	core, s := newTestCore(t)
	ctx := context.Background()

	_, err := core.CreateJob(ctx, "job-1", "send", schema.PriorityNormal, nil)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "w", []string{"send"}, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, core.TransitionJob(ctx, "job-1",
		schema.JobStatusProcessing, schema.JobStatusFailed,
		store.JobUpdate{Error: "smtp 550"}))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "smtp 550", got.Error)
}

func TestTransitionEnrollment_FillsTerminalTimestamp(t *testing.T) {
	core, s := newTestCore(t)
	ctx := context.Background()

	enr, err := core.Enroll(ctx, "camp-1", "lead@example.com", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, core.TransitionEnrollment(ctx, enr.ID,
		schema.EnrollmentStatusActive, schema.EnrollmentStatusUnsubscribed,
		store.EnrollmentUpdate{}))

	got, err := s.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UnsubscribedAt)
	assert.Nil(t, got.NextActionAt)
}

// --- Enrollments ---

func TestEnroll_IdempotentPerPair(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := core.Enroll(ctx, "camp-1", "lead@example.com", now)
	require.NoError(t, err)

	second, err := core.Enroll(ctx, "camp-1", "lead@example.com", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := core.Enroll(ctx, "camp-2", "lead@example.com", now)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnroll_Validation(t *testing.T) {
	core, _ := newTestCore(t)
	now := time.Now().UTC()

	_, err := core.Enroll(context.Background(), "", "lead@example.com", now)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = core.Enroll(context.Background(), "camp-1", "", now)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
