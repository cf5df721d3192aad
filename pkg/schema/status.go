package schema

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether the workflow status has no outgoing transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// EnrollmentStatus represents the lifecycle state of a campaign enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive       EnrollmentStatus = "active"
	EnrollmentStatusCompleted    EnrollmentStatus = "completed"
	EnrollmentStatusUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentStatusFailed       EnrollmentStatus = "failed"
)

// Terminal reports whether the enrollment status has no outgoing transitions.
func (s EnrollmentStatus) Terminal() bool {
	return s != EnrollmentStatusActive
}

// Priority orders jobs with equal creation time. Persisted as a numeric rank
// so the claim query can sort on it directly.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns the numeric sort rank for the priority. Higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// PriorityFromRank maps a persisted rank back to its Priority label.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityLow
	case 2:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Valid reports whether p is one of the known priority labels.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// OwnerType identifies which entity a failure record or event belongs to.
type OwnerType string

const (
	OwnerWorkflow   OwnerType = "workflow"
	OwnerJob        OwnerType = "job"
	OwnerEnrollment OwnerType = "enrollment"
)

// EntityType identifies a record class for retention policy lookup.
type EntityType string

const (
	EntityWorkflow   EntityType = "workflow"
	EntityJob        EntityType = "job"
	EntityEnrollment EntityType = "enrollment"
	EntityEvent      EntityType = "event"
)
