// Package ingest accepts externally delivered events and guarantees each
// provider-assigned event ID produces at most one effect on the state
// machine, regardless of delivery count. The dedup write and the resulting
// transition commit in one transaction.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/outboundkit/flowstate/internal/expressions"
	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/internal/validation"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// Outcome reports what ingestion did with an event.
type Outcome string

const (
	// OutcomeApplied means the event produced its transition.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event ID was already seen; nothing changed.
	// Duplicates are a successful no-op, not an error.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the rule's guard evaluated false; nothing changed.
	OutcomeSkipped Outcome = "skipped"
)

// Ingestor is the entry point for provider webhook events.
type Ingestor struct {
	store     store.Store
	router    *Router
	validator *validation.EnvelopeValidator
	engines   *expressions.Registry
	logger    *slog.Logger
}

// New creates an Ingestor.
func New(s store.Store, router *Router, v *validation.EnvelopeValidator, engines *expressions.Registry, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: s, router: router, validator: v, engines: engines, logger: logger}
}

// Ingest validates, deduplicates, and applies one inbound event.
//
// Events without an event ID bypass dedup and are always applied, but only
// when the caller labeled them NonIdempotent; an unlabeled anonymous event
// is rejected rather than silently skipping dedup.
func (i *Ingestor) Ingest(ctx context.Context, ev *schema.InboundEvent) (Outcome, error) {
	if err := i.validator.ValidateEvent(ev); err != nil {
		return "", err
	}
	if ev.EventID == "" && !ev.NonIdempotent {
		return "", schema.NewError(schema.ErrCodeValidation,
			"event has no event_id and is not labeled non_idempotent")
	}
	if ev.OwnerKey == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"event %q missing owner_key", ev.Type)
	}

	rule, ok := i.router.Rule(ev.Type)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"no rule registered for event type %q", ev.Type)
	}

	data := exprData(ev)
	if rule.Guard != "" {
		pass, err := i.engines.EvaluateBool(ctx, rule.GuardEngine, rule.Guard, data)
		if err != nil {
			return "", err
		}
		if !pass {
			i.logger.DebugContext(ctx, "event skipped by guard",
				slog.String("event_id", ev.EventID), slog.String("type", ev.Type))
			return OutcomeSkipped, nil
		}
	}

	result, err := i.extract(ctx, rule, data)
	if err != nil {
		return "", err
	}

	apply := func(ctx context.Context, m store.Mutator) error {
		if err := applyTransition(ctx, m, rule, ev.OwnerKey, result); err != nil {
			return err
		}
		if rule.FollowUp != nil {
			return i.enqueueFollowUp(ctx, m, rule, ev)
		}
		return nil
	}

	if ev.EventID == "" {
		// Non-idempotent path: no dedup row, apply directly.
		if err := apply(ctx, i.store); err != nil {
			return "", err
		}
		i.logger.InfoContext(ctx, "non-idempotent event applied",
			slog.String("type", ev.Type), slog.String("owner_key", ev.OwnerKey))
		return OutcomeApplied, nil
	}

	rec := &store.EventRecord{
		EventID:    ev.EventID,
		Type:       ev.Type,
		OwnerKey:   ev.OwnerKey,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt,
	}
	applied, err := i.store.IngestEvent(ctx, rec, apply)
	if err != nil {
		return "", err
	}
	if !applied {
		i.logger.DebugContext(ctx, "duplicate event",
			slog.String("event_id", ev.EventID), slog.String("type", ev.Type))
		return OutcomeDuplicate, nil
	}
	i.logger.InfoContext(ctx, "event applied",
		slog.String("event_id", ev.EventID),
		slog.String("type", ev.Type),
		slog.String("owner_key", ev.OwnerKey))
	return OutcomeApplied, nil
}

// extract runs the rule's jq expression and marshals its output for storage
// as the transition result.
func (i *Ingestor) extract(ctx context.Context, rule Rule, data map[string]any) (json.RawMessage, error) {
	if rule.Extract == "" {
		return nil, nil
	}
	jq, err := i.engines.Engine("jq")
	if err != nil {
		return nil, err
	}
	out, err := jq.Evaluate(ctx, rule.Extract, data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"extraction output is not JSON-serializable").WithCause(err)
	}
	return raw, nil
}

func (i *Ingestor) enqueueFollowUp(ctx context.Context, m store.Mutator, rule Rule, ev *schema.InboundEvent) error {
	priority := rule.FollowUp.Priority
	if priority == "" {
		priority = schema.PriorityNormal
	}
	job := &store.Job{
		ID:         followUpJobID(ev, rule.FollowUp.Type),
		Type:       rule.FollowUp.Type,
		Status:     schema.JobStatusPending,
		Priority:   priority,
		Parameters: ev.Payload,
	}
	created, err := m.CreateJob(ctx, job)
	if err != nil {
		return err
	}
	if created {
		i.logger.InfoContext(ctx, "follow-up job enqueued",
			slog.String("job_id", job.ID), slog.String("type", job.Type))
	}
	return nil
}

// followUpJobID derives a deterministic job ID from the event so a
// redelivered non-idempotent event cannot enqueue twice under the same ID.
// Anonymous events get a timestamped ID instead.
func followUpJobID(ev *schema.InboundEvent, jobType string) string {
	if ev.EventID != "" {
		return "evt:" + ev.EventID + ":" + jobType
	}
	return "evt:" + ev.Type + ":" + jobType + ":" + ev.ReceivedAt.UTC().Format(time.RFC3339Nano)
}

// applyTransition dispatches the rule's transition to the owner's state
// machine through the given mutator.
func applyTransition(ctx context.Context, m store.Mutator, rule Rule, ownerID string, result json.RawMessage) error {
	switch rule.Owner {
	case schema.OwnerWorkflow:
		update := store.WorkflowUpdate{}
		if result != nil {
			if schema.WorkflowStatus(rule.Next) == schema.WorkflowStatusFailed {
				update.Error = result
			} else {
				update.Result = result
			}
		}
		return machine.TransitionWorkflowOn(ctx, m, ownerID,
			schema.WorkflowStatus(rule.Expected), schema.WorkflowStatus(rule.Next), update)
	case schema.OwnerJob:
		update := store.JobUpdate{Result: result}
		return machine.TransitionJobOn(ctx, m, ownerID,
			schema.JobStatus(rule.Expected), schema.JobStatus(rule.Next), update)
	case schema.OwnerEnrollment:
		return machine.TransitionEnrollmentOn(ctx, m, ownerID,
			schema.EnrollmentStatus(rule.Expected), schema.EnrollmentStatus(rule.Next), store.EnrollmentUpdate{})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown owner type %q", rule.Owner)
	}
}

// exprData builds the variable set guards and extractions see.
func exprData(ev *schema.InboundEvent) map[string]any {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		// Best effort; a non-object payload leaves the map empty and the
		// guard sees only the envelope.
		_ = json.Unmarshal(ev.Payload, &payload)
	}
	return map[string]any{
		"event": map[string]any{
			"event_id":  ev.EventID,
			"type":      ev.Type,
			"owner_key": ev.OwnerKey,
		},
		"payload": payload,
	}
}
