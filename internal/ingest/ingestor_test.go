package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outboundkit/flowstate/internal/expressions"
	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/internal/validation"
	"github.com/outboundkit/flowstate/pkg/schema"
)

var testRules = []Rule{
	{
		EventType: "workflow.finished",
		Owner:     schema.OwnerWorkflow,
		Expected:  "running",
		Next:      "completed",
		Extract:   `{summary: .payload.summary}`,
	},
	{
		EventType: "workflow.errored",
		Owner:     schema.OwnerWorkflow,
		Expected:  "running",
		Next:      "failed",
	},
	{
		EventType:   "email.replied",
		Owner:       schema.OwnerEnrollment,
		Expected:    "active",
		Next:        "completed",
		GuardEngine: "cel",
		Guard:       `payload.auto_reply != true`,
		FollowUp:    &JobSpec{Type: "notify_owner", Priority: schema.PriorityHigh},
	},
	{
		EventType: "email.unsubscribed",
		Owner:     schema.OwnerEnrollment,
		Expected:  "active",
		Next:      "unsubscribed",
	},
}

func newTestIngestor(t *testing.T) (*Ingestor, *store.LibSQLStore, *machine.Core) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	router, err := NewRouter(testRules)
	require.NoError(t, err)
	validator, err := validation.NewEnvelopeValidator()
	require.NoError(t, err)
	engines, err := expressions.DefaultRegistry()
	require.NoError(t, err)

	core := machine.New(s, logger)
	return New(s, router, validator, engines, logger), s, core
}

func event(id, typ, owner string, payload string) *schema.InboundEvent {
	ev := &schema.InboundEvent{
		EventID:    id,
		Type:       typ,
		OwnerKey:   owner,
		ReceivedAt: time.Now().UTC(),
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

// --- Happy path ---

func TestIngest_AppliesTransition(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	wf, err := core.CreateWorkflow(ctx, "wf-1", "lead-outreach", nil)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusRunning, wf.Status)

	out, err := ing.Ingest(ctx, event("evt-1", "workflow.finished", "wf-1", `{"summary":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"summary":"done"}`, string(got.Result))
}

func TestIngest_Duplicate(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	_, err := core.CreateWorkflow(ctx, "wf-1", "lead-outreach", nil)
	require.NoError(t, err)

	out, err := ing.Ingest(ctx, event("evt-1", "workflow.finished", "wf-1", `{"summary":"done"}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	// Redelivery: same event ID, no error, no second effect.
	out, err = ing.Ingest(ctx, event("evt-1", "workflow.finished", "wf-1", `{"summary":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
}

func TestIngest_ConcurrentSameKey(t *testing.T) {
	ing, _, core := newTestIngestor(t)
	ctx := context.Background()

	_, err := core.CreateWorkflow(ctx, "wf-1", "lead-outreach", nil)
	require.NoError(t, err)

	const n = 10
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcomes[idx], errs[idx] = ing.Ingest(ctx, event("evt-1", "workflow.finished", "wf-1", `{}`))
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range n {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery should apply")
}

// --- Atomicity ---

func TestIngest_FailedApplyLeavesEventUnseen(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	wf, err := core.CreateWorkflow(ctx, "wf-1", "lead-outreach", nil)
	require.NoError(t, err)
	require.NoError(t, core.TransitionWorkflow(ctx, wf.ID,
		schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, store.WorkflowUpdate{}))

	// Workflow already terminal: the transition inside apply fails, so the
	// dedup row must roll back with it.
	_, err = ing.Ingest(ctx, event("evt-x", "workflow.errored", "wf-1", `{}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	seen, err := s.SeenEvent(ctx, "evt-x")
	require.NoError(t, err)
	assert.False(t, seen, "failed apply must not mark the event as seen")
}

// --- Guards ---

func TestIngest_GuardSkips(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	enr, err := core.Enroll(ctx, "camp-1", "lead@example.com", time.Now().UTC())
	require.NoError(t, err)

	out, err := ing.Ingest(ctx, event("evt-2", "email.replied", enr.ID, `{"auto_reply":true}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	got, err := s.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EnrollmentStatusActive, got.Status)

	// A skipped event leaves no dedup row, so a later genuine reply with a
	// fresh ID still goes through.
	seen, err := s.SeenEvent(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestIngest_GuardPassesAndEnqueuesFollowUp(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	enr, err := core.Enroll(ctx, "camp-1", "lead@example.com", time.Now().UTC())
	require.NoError(t, err)

	out, err := ing.Ingest(ctx, event("evt-3", "email.replied", enr.ID, `{"auto_reply":false}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	got, err := s.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EnrollmentStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	job, err := s.GetJob(ctx, "evt:evt-3:notify_owner")
	require.NoError(t, err)
	assert.Equal(t, "notify_owner", job.Type)
	assert.Equal(t, schema.JobStatusPending, job.Status)
	assert.Equal(t, schema.PriorityHigh, job.Priority)
}

// --- Validation ---

func TestIngest_UnlabeledAnonymousEventRejected(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	ev := event("", "workflow.finished", "wf-1", `{}`)
	_, err := ing.Ingest(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestIngest_NonIdempotentBypassesDedup(t *testing.T) {
	ing, s, core := newTestIngestor(t)
	ctx := context.Background()

	enr, err := core.Enroll(ctx, "camp-1", "lead@example.com", time.Now().UTC())
	require.NoError(t, err)

	ev := event("", "email.unsubscribed", enr.ID, `{}`)
	ev.NonIdempotent = true

	out, err := ing.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	// Applying again hits the terminal enrollment: no dedup shield here.
	_, err = ing.Ingest(ctx, ev)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EnrollmentStatusUnsubscribed, got.Status)
	assert.NotNil(t, got.UnsubscribedAt)
}

func TestIngest_UnknownEventType(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	_, err := ing.Ingest(context.Background(), event("evt-9", "email.vanished", "wf-1", `{}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestIngest_MissingOwnerKey(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	_, err := ing.Ingest(context.Background(), event("evt-9", "workflow.finished", "", `{}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestIngest_OwnerMissing(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	_, err := ing.Ingest(context.Background(), event("evt-9", "workflow.finished", "wf-ghost", `{}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
