package store

import (
	"context"
	"time"

	"github.com/outboundkit/flowstate/pkg/schema"
)

// Mutator holds the state-changing operations. Every status change goes
// through a compare-and-swap transition: the write only lands if the row's
// current status equals the expected one. The same set of operations is
// available inside an ingestion transaction via IngestEvent, so a dedup
// write and its resulting transition commit or roll back together.
type Mutator interface {
	// CreateWorkflow inserts the workflow if its ID is unseen. Returns false
	// with no error when the ID already exists (create is idempotent on key).
	CreateWorkflow(ctx context.Context, wf *Workflow) (bool, error)
	// TransitionWorkflow atomically moves the workflow from expected to next,
	// applying the update in the same statement. Fails with
	// INVALID_TRANSITION when the current status differs from expected, and
	// NOT_FOUND when the row does not exist.
	TransitionWorkflow(ctx context.Context, id string, expected, next schema.WorkflowStatus, update WorkflowUpdate) error

	CreateJob(ctx context.Context, job *Job) (bool, error)
	TransitionJob(ctx context.Context, id string, expected, next schema.JobStatus, update JobUpdate) error

	CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error)
	TransitionEnrollment(ctx context.Context, id string, expected, next schema.EnrollmentStatus, update EnrollmentUpdate) error
	// AdvanceEnrollment moves an active enrollment to its next sequence step.
	// Guarded on status=active; a terminal enrollment is never advanced.
	AdvanceEnrollment(ctx context.Context, id string, step int, nextActionAt time.Time) error
}

// ApplyFunc runs inside the ingestion transaction with a transaction-scoped
// Mutator. Any error aborts both the dedup write and the mutations.
type ApplyFunc func(ctx context.Context, m Mutator) error

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	Mutator

	// Workflows
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Jobs
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// ClaimJob atomically selects the oldest pending job of the given types
	// (priority rank descending, then job ID, as tie-breaks) and moves it to
	// processing with a claim lease. Returns (nil, nil) when nothing is
	// claimable.
	ClaimJob(ctx context.Context, workerID string, types []string, leaseUntil time.Time) (*Job, error)
	// ExtendJobLease pushes the lease forward for a job the worker still
	// holds. Fails with INVALID_TRANSITION if the job is no longer
	// processing under that worker.
	ExtendJobLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error
	// StaleJobIDs lists processing jobs whose lease expired before now.
	StaleJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ReclaimJob forces one expired processing job back to pending. The
	// lease-expiry guard is part of the statement, so a worker that renewed
	// in the meantime keeps its claim. Returns false when the guard missed.
	ReclaimJob(ctx context.Context, id string, now time.Time) (bool, error)

	// Enrollments
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	FindEnrollment(ctx context.Context, campaignID, recipientID string) (*Enrollment, error)
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error)

	// Failure records (append-only)
	AppendFailure(ctx context.Context, rec *FailureRecord) error
	ListFailures(ctx context.Context, owner schema.OwnerType, ownerID string, limit int) ([]*FailureRecord, error)

	// Idempotent ingestion. Records the event ID and runs apply in one
	// transaction. Returns false with no error when the event ID was
	// already seen; apply does not run in that case.
	IngestEvent(ctx context.Context, rec *EventRecord, apply ApplyFunc) (bool, error)
	SeenEvent(ctx context.Context, eventID string) (bool, error)

	// Retention. Each call deletes at most limit rows and commits
	// independently; only terminal rows older than the cutoff qualify.
	DeleteTerminalWorkflows(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	DeleteTerminalJobs(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	DeleteIngestedEvents(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	// AnonymizeEnrollments blanks recipient identifiers on terminal
	// enrollments past the cutoff instead of deleting the rows.
	AnonymizeEnrollments(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
