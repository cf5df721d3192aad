package schema

import (
	"encoding/json"
	"time"
)

// InboundEvent is the envelope webhook collaborators deliver to ingestion.
// EventID is the provider-assigned identifier used for deduplication. An
// event without an EventID must be explicitly marked NonIdempotent by the
// caller; ingestion rejects unlabeled anonymous events rather than silently
// skipping dedup.
type InboundEvent struct {
	EventID       string          `json:"event_id,omitempty"`
	Type          string          `json:"type"`
	OwnerKey      string          `json:"owner_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	NonIdempotent bool            `json:"non_idempotent,omitempty"`
}

// JobSubmission is the envelope controllers use to enqueue work.
// JobID is caller-supplied and unique; a re-submission with a seen JobID
// returns the existing job unchanged.
type JobSubmission struct {
	JobID      string          `json:"job_id"`
	Type       string          `json:"type"`
	Priority   Priority        `json:"priority,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// JobOutcome is what worker logic reports back after executing a claimed job.
// Status must be completed or failed.
type JobOutcome struct {
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
