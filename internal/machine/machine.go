// Package machine is the single choke point for entity state changes.
// Every status mutation is expressed as a transition from an expected
// current status, validated against the tables below and then applied by
// the store as one compare-and-swap statement. No caller writes a status
// column directly.
package machine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// ValidJobTransitions defines the allowed state transitions for jobs.
// processing -> pending is the forced-requeue edge used by the stale-claim
// sweep; it is lease-guarded at the store.
var ValidJobTransitions = map[schema.JobStatus][]schema.JobStatus{
	schema.JobStatusPending:    {schema.JobStatusProcessing},
	schema.JobStatusProcessing: {schema.JobStatusCompleted, schema.JobStatusFailed, schema.JobStatusPending},
	schema.JobStatusCompleted:  {},
	schema.JobStatusFailed:     {},
}

// ValidEnrollmentTransitions defines the allowed state transitions for
// campaign enrollments.
var ValidEnrollmentTransitions = map[schema.EnrollmentStatus][]schema.EnrollmentStatus{
	schema.EnrollmentStatusActive:       {schema.EnrollmentStatusCompleted, schema.EnrollmentStatusUnsubscribed, schema.EnrollmentStatusFailed},
	schema.EnrollmentStatusCompleted:    {},
	schema.EnrollmentStatusUnsubscribed: {},
	schema.EnrollmentStatusFailed:       {},
}

// Core exposes create/transition/get for workflows, jobs, and enrollments.
type Core struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Core backed by the given store.
func New(s store.Store, logger *slog.Logger) *Core {
	return &Core{store: s, logger: logger}
}

// --- Workflows ---

// CreateWorkflow creates the workflow on first observation of the key and
// returns the existing record unchanged on every later call with the same
// key. New workflows start in running.
func (c *Core) CreateWorkflow(ctx context.Context, key, name string, input json.RawMessage) (*store.Workflow, error) {
	if key == "" {
		key = uuid.New().String()
	}
	wf := &store.Workflow{
		ID:     key,
		Name:   name,
		Status: schema.WorkflowStatusRunning,
		Input:  input,
	}
	created, err := c.store.CreateWorkflow(ctx, wf)
	if err != nil {
		return nil, err
	}
	if !created {
		return c.store.GetWorkflow(ctx, key)
	}
	c.logger.InfoContext(ctx, "workflow created",
		slog.String("workflow_id", wf.ID), slog.String("name", name))
	return wf, nil
}

// TransitionWorkflow applies a status change guarded on the expected current
// status. The terminal timestamp is filled in when the caller omits it.
func (c *Core) TransitionWorkflow(ctx context.Context, id string, expected, next schema.WorkflowStatus, update store.WorkflowUpdate) error {
	return TransitionWorkflowOn(ctx, c.store, id, expected, next, update)
}

// GetWorkflow returns the current workflow record.
func (c *Core) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return c.store.GetWorkflow(ctx, id)
}

// TransitionWorkflowOn validates and applies a workflow transition through
// the given mutator. Ingestion uses this with a transaction-scoped mutator
// so the dedup write and the transition commit together.
func TransitionWorkflowOn(ctx context.Context, m store.Mutator, id string, expected, next schema.WorkflowStatus, update store.WorkflowUpdate) error {
	if !allowed(ValidWorkflowTransitions[expected], next) {
		return invalidTransition("workflow", id, string(expected), string(next))
	}
	now := time.Now().UTC()
	switch next {
	case schema.WorkflowStatusCompleted:
		if update.CompletedAt == nil {
			update.CompletedAt = &now
		}
	case schema.WorkflowStatusFailed:
		if update.FailedAt == nil {
			update.FailedAt = &now
		}
	}
	return m.TransitionWorkflow(ctx, id, expected, next, update)
}

// --- Jobs ---

// CreateJob creates the job on first observation of the id and returns the
// existing record unchanged on re-submission. New jobs start in pending.
func (c *Core) CreateJob(ctx context.Context, id, jobType string, priority schema.Priority, params json.RawMessage) (*store.Job, error) {
	if id == "" {
		id = uuid.New().String()
	}
	job := &store.Job{
		ID:         id,
		Type:       jobType,
		Status:     schema.JobStatusPending,
		Priority:   priority,
		Parameters: params,
	}
	created, err := c.store.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return c.store.GetJob(ctx, id)
	}
	c.logger.InfoContext(ctx, "job created",
		slog.String("job_id", job.ID), slog.String("type", jobType), slog.String("priority", string(job.Priority)))
	return job, nil
}

// TransitionJob applies a status change guarded on the expected current status.
func (c *Core) TransitionJob(ctx context.Context, id string, expected, next schema.JobStatus, update store.JobUpdate) error {
	return TransitionJobOn(ctx, c.store, id, expected, next, update)
}

// GetJob returns the current job record.
func (c *Core) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return c.store.GetJob(ctx, id)
}

// TransitionJobOn validates and applies a job transition through the given
// mutator.
func TransitionJobOn(ctx context.Context, m store.Mutator, id string, expected, next schema.JobStatus, update store.JobUpdate) error {
	if !allowed(ValidJobTransitions[expected], next) {
		return invalidTransition("job", id, string(expected), string(next))
	}
	if next.Terminal() && update.CompletedAt == nil {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	return m.TransitionJob(ctx, id, expected, next, update)
}

// --- Enrollments ---

// Enroll creates the enrollment for the (campaign, recipient) pair on first
// observation and returns the existing record unchanged afterwards.
func (c *Core) Enroll(ctx context.Context, campaignID, recipientID string, nextActionAt time.Time) (*store.Enrollment, error) {
	if campaignID == "" || recipientID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "enrollment requires campaign and recipient ids")
	}
	e := &store.Enrollment{
		ID:           uuid.New().String(),
		CampaignID:   campaignID,
		RecipientID:  recipientID,
		Status:       schema.EnrollmentStatusActive,
		NextActionAt: &nextActionAt,
	}
	created, err := c.store.CreateEnrollment(ctx, e)
	if err != nil {
		return nil, err
	}
	if !created {
		return c.store.FindEnrollment(ctx, campaignID, recipientID)
	}
	c.logger.InfoContext(ctx, "enrollment created",
		slog.String("enrollment_id", e.ID), slog.String("campaign_id", campaignID))
	return e, nil
}

// TransitionEnrollment applies a status change guarded on the expected
// current status.
func (c *Core) TransitionEnrollment(ctx context.Context, id string, expected, next schema.EnrollmentStatus, update store.EnrollmentUpdate) error {
	return TransitionEnrollmentOn(ctx, c.store, id, expected, next, update)
}

// GetEnrollment returns the current enrollment record.
func (c *Core) GetEnrollment(ctx context.Context, id string) (*store.Enrollment, error) {
	return c.store.GetEnrollment(ctx, id)
}

// TransitionEnrollmentOn validates and applies an enrollment transition
// through the given mutator.
func TransitionEnrollmentOn(ctx context.Context, m store.Mutator, id string, expected, next schema.EnrollmentStatus, update store.EnrollmentUpdate) error {
	if !allowed(ValidEnrollmentTransitions[expected], next) {
		return invalidTransition("enrollment", id, string(expected), string(next))
	}
	now := time.Now().UTC()
	switch next {
	case schema.EnrollmentStatusCompleted:
		if update.CompletedAt == nil {
			update.CompletedAt = &now
		}
	case schema.EnrollmentStatusUnsubscribed:
		if update.UnsubscribedAt == nil {
			update.UnsubscribedAt = &now
		}
	case schema.EnrollmentStatusFailed:
		if update.FailedAt == nil {
			update.FailedAt = &now
		}
	}
	return m.TransitionEnrollment(ctx, id, expected, next, update)
}

func allowed[S comparable](from []S, to S) bool {
	for _, s := range from {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(resource, id, from, to string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid %s transition: %s -> %s", resource, from, to).
		WithDetails(map[string]any{"id": id, "from": from, "to": to})
}
