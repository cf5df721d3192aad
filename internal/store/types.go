package store

import (
	"encoding/json"
	"time"

	"github.com/outboundkit/flowstate/pkg/schema"
)

// Workflow is the persisted representation of a durable process instance.
type Workflow struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	Status      schema.WorkflowStatus `json:"status"`
	Input       json.RawMessage       `json:"input,omitempty"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	FailedAt    *time.Time            `json:"failed_at,omitempty"`
}

// Job is one schedulable, independently claimable unit of work.
type Job struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Status         schema.JobStatus `json:"status"`
	Priority       schema.Priority  `json:"priority"`
	Parameters     json.RawMessage  `json:"parameters,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ClaimedBy      string           `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time       `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Enrollment is a recipient's participation instance in a campaign sequence.
// Exactly one enrollment exists per (campaign, recipient) pair.
type Enrollment struct {
	ID             string                  `json:"id"`
	CampaignID     string                  `json:"campaign_id"`
	RecipientID    string                  `json:"recipient_id"`
	Status         schema.EnrollmentStatus `json:"status"`
	SequenceStep   int                     `json:"sequence_step"`
	NextActionAt   *time.Time              `json:"next_action_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	UnsubscribedAt *time.Time              `json:"unsubscribed_at,omitempty"`
	FailedAt       *time.Time              `json:"failed_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// FailureRecord is an immutable entry describing one failure of one owner.
// The owner reference is enforced by a foreign key; deleting the owner
// cascades to its failure records.
type FailureRecord struct {
	ID        int64            `json:"id"`
	OwnerType schema.OwnerType `json:"owner_type"`
	OwnerID   string           `json:"owner_id"`
	Step      string           `json:"step,omitempty"`
	Message   string           `json:"message"`
	Context   json.RawMessage  `json:"context,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// EventRecord is the stored identity of an externally delivered event.
// At most one row exists per event ID.
type EventRecord struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	OwnerKey   string          `json:"owner_key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowUpdate carries the fields applied alongside a workflow transition.
// The timestamp matching the target terminal status is required; the store
// rejects a terminal write without it.
type WorkflowUpdate struct {
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// JobUpdate carries the fields applied alongside a job transition.
type JobUpdate struct {
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EnrollmentUpdate carries the fields applied alongside an enrollment
// transition. Terminal transitions clear next_action_at.
type EnrollmentUpdate struct {
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status *schema.JobStatus `json:"status,omitempty"`
	Type   string            `json:"type,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}
