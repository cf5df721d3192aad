// Package queue selects claimable jobs and drives them to completion with
// at most one active worker per job. Claims ride on the same
// compare-and-swap transition as every other status change, so two
// concurrent claimers can never take the same job.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/internal/validation"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// DefaultLease is how long a claim holds a job before the stale sweep may
// reclaim it, absent heartbeats.
const DefaultLease = 5 * time.Minute

// Queue exposes the scheduling operations over the durable store.
type Queue struct {
	store     store.Store
	core      *machine.Core
	validator *validation.EnvelopeValidator
	logger    *slog.Logger
	lease     time.Duration
}

// New creates a Queue. A non-positive lease falls back to DefaultLease.
func New(s store.Store, core *machine.Core, v *validation.EnvelopeValidator, logger *slog.Logger, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{store: s, core: core, validator: v, logger: logger, lease: lease}
}

// Enqueue validates a submission and creates the job. Re-submitting a seen
// job ID returns the existing job unchanged.
func (q *Queue) Enqueue(ctx context.Context, sub *schema.JobSubmission) (*store.Job, error) {
	if err := q.validator.ValidateJob(sub); err != nil {
		return nil, err
	}
	id := sub.JobID
	if id == "" {
		id = uuid.New().String()
	}
	priority := sub.Priority
	if priority == "" {
		priority = schema.PriorityNormal
	}
	return q.core.CreateJob(ctx, id, sub.Type, priority, sub.Parameters)
}

// Claim atomically takes the oldest pending job of the given types and
// moves it to processing under a lease. Returns (nil, nil) when nothing is
// claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, types []string) (*store.Job, error) {
	if workerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "claim requires a worker id")
	}
	job, err := q.store.ClaimJob(ctx, workerID, types, time.Now().UTC().Add(q.lease))
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.logger.InfoContext(ctx, "job claimed",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.String("worker_id", workerID))
	}
	return job, nil
}

// Report records a claimed job's outcome, transitioning processing to
// completed or failed. An INVALID_TRANSITION here means the job was already
// reported or reclaimed; it is logged and returned for the caller to treat
// as non-fatal rather than retried blindly.
func (q *Queue) Report(ctx context.Context, jobID string, outcome schema.JobOutcome) error {
	if !outcome.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"report status must be terminal, got %q", outcome.Status)
	}
	update := store.JobUpdate{Result: outcome.Result, Error: outcome.Error}
	err := q.core.TransitionJob(ctx, jobID, schema.JobStatusProcessing, outcome.Status, update)
	if err != nil && schema.IsCode(err, schema.ErrCodeInvalidTransition) {
		q.logger.WarnContext(ctx, "job report lost its claim",
			slog.String("job_id", jobID),
			slog.String("status", string(outcome.Status)),
			slog.String("error", err.Error()))
	}
	return err
}

// Heartbeat extends the lease of a job the worker still holds.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return q.store.ExtendJobLease(ctx, jobID, workerID, time.Now().UTC().Add(q.lease))
}

// ReclaimStale forces jobs whose lease expired back to pending, one
// guarded compare-and-swap per job, so a slow worker that renewed in the
// meantime keeps its claim. Returns the number of jobs reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := q.store.StaleJobIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		ok, err := q.store.ReclaimJob(ctx, id, now)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
			q.logger.WarnContext(ctx, "stale job reclaimed", slog.String("job_id", id))
		}
	}
	return reclaimed, nil
}
