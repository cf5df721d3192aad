// Package failures appends immutable failure records linked to the
// workflow, job, or enrollment that produced them. The owner reference is
// enforced by a foreign key at write time, not by convention.
package failures

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// Recorder writes and reads failure records.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Recorder.
func New(s store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// Record appends one failure record. Fails with OWNER_NOT_FOUND when the
// owner does not exist at time of write.
func (r *Recorder) Record(ctx context.Context, owner schema.OwnerType, ownerID, step, message string, contextPayload json.RawMessage) error {
	if ownerID == "" {
		return schema.NewError(schema.ErrCodeValidation, "failure record requires an owner id")
	}
	if message == "" {
		return schema.NewError(schema.ErrCodeValidation, "failure record requires a message")
	}
	rec := &store.FailureRecord{
		OwnerType: owner,
		OwnerID:   ownerID,
		Step:      step,
		Message:   message,
		Context:   contextPayload,
	}
	if err := r.store.AppendFailure(ctx, rec); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "failure recorded",
		slog.String("owner_type", string(owner)),
		slog.String("owner_id", ownerID),
		slog.String("step", step))
	return nil
}

// RecordBestEffort appends a failure record after a transition that has
// already committed. A recording failure must not unwind that transition,
// so the error is logged and returned for the caller to surface as
// secondary and non-fatal.
func (r *Recorder) RecordBestEffort(ctx context.Context, owner schema.OwnerType, ownerID, step, message string, contextPayload json.RawMessage) error {
	err := r.Record(ctx, owner, ownerID, step, message, contextPayload)
	if err != nil {
		r.logger.ErrorContext(ctx, "failure record not persisted",
			slog.String("owner_type", string(owner)),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()))
	}
	return err
}

// List returns the most recent failure records for one owner.
func (r *Recorder) List(ctx context.Context, owner schema.OwnerType, ownerID string, limit int) ([]*store.FailureRecord, error) {
	return r.store.ListFailures(ctx, owner, ownerID, limit)
}
