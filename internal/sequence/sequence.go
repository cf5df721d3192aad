// Package sequence advances campaign enrollments through their step
// definitions. Each due enrollment either enqueues the current step's job
// and moves to the next step, skips a step whose condition is false, or
// completes once the steps run out. All status changes go through the
// state machine's guarded transitions.
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outboundkit/flowstate/internal/expressions"
	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/queue"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// StepDefinition is one step of a campaign sequence.
//
// Condition is optional; when set it is evaluated against the variable
// `enrollment` and a false result skips the step without enqueuing its job.
// Delay is the wait after this step before the next one becomes due.
type StepDefinition struct {
	Name      string        `json:"name"`
	JobType   string        `json:"job_type"`
	Delay     time.Duration `json:"delay"`
	Engine    string        `json:"engine,omitempty"`
	Condition string        `json:"condition,omitempty"`
}

// Definition is an ordered campaign sequence.
type Definition struct {
	CampaignID string           `json:"campaign_id"`
	Steps      []StepDefinition `json:"steps"`
}

// Validate rejects structurally broken definitions.
func (d *Definition) Validate() error {
	if d.CampaignID == "" {
		return schema.NewError(schema.ErrCodeValidation, "sequence definition missing campaign id")
	}
	if len(d.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "sequence %q has no steps", d.CampaignID)
	}
	for i, step := range d.Steps {
		if step.JobType == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"sequence %q step %d missing job type", d.CampaignID, i)
		}
		if step.Delay < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"sequence %q step %d has negative delay", d.CampaignID, i)
		}
		if (step.Condition == "") != (step.Engine == "") {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"sequence %q step %d must set condition and engine together", d.CampaignID, i)
		}
	}
	return nil
}

// Advancer walks due enrollments forward through their sequences.
type Advancer struct {
	store       store.Store
	core        *machine.Core
	queue       *queue.Queue
	engines     *expressions.Registry
	logger      *slog.Logger
	definitions map[string]*Definition
	batchSize   int
}

// NewAdvancer creates an Advancer over the given definitions.
func NewAdvancer(s store.Store, core *machine.Core, q *queue.Queue, engines *expressions.Registry, logger *slog.Logger, defs []*Definition) (*Advancer, error) {
	byID := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[d.CampaignID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate sequence definition for campaign %q", d.CampaignID)
		}
		byID[d.CampaignID] = d
	}
	return &Advancer{
		store:       s,
		core:        core,
		queue:       q,
		engines:     engines,
		logger:      logger,
		definitions: byID,
		batchSize:   100,
	}, nil
}

// Tick advances every enrollment due at now. Returns how many enrollments
// moved (advanced, skipped, or completed). A failure on one enrollment is
// logged and does not block the rest of the batch.
func (a *Advancer) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := a.store.DueEnrollments(ctx, now, a.batchSize)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, enr := range due {
		if err := a.advance(ctx, enr, now); err != nil {
			a.logger.ErrorContext(ctx, "enrollment advance failed",
				slog.String("enrollment_id", enr.ID),
				slog.String("campaign_id", enr.CampaignID),
				slog.String("error", err.Error()))
			continue
		}
		moved++
	}
	return moved, nil
}

func (a *Advancer) advance(ctx context.Context, enr *store.Enrollment, now time.Time) error {
	def, ok := a.definitions[enr.CampaignID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"no sequence definition for campaign %q", enr.CampaignID)
	}

	idx := enr.SequenceStep
	if idx >= len(def.Steps) {
		return a.core.TransitionEnrollment(ctx, enr.ID,
			schema.EnrollmentStatusActive, schema.EnrollmentStatusCompleted,
			store.EnrollmentUpdate{})
	}

	step := def.Steps[idx]
	if step.Condition != "" {
		pass, err := a.engines.EvaluateBool(ctx, step.Engine, step.Condition, map[string]any{
			"enrollment": map[string]any{
				"campaign_id":   enr.CampaignID,
				"recipient_id":  enr.RecipientID,
				"sequence_step": enr.SequenceStep,
				"status":        string(enr.Status),
			},
		})
		if err != nil {
			return err
		}
		if !pass {
			a.logger.DebugContext(ctx, "sequence step skipped",
				slog.String("enrollment_id", enr.ID),
				slog.String("step", step.Name))
			// Skipped steps move on immediately, no delay.
			return a.store.AdvanceEnrollment(ctx, enr.ID, idx+1, now)
		}
	}

	params, err := json.Marshal(map[string]any{
		"enrollment_id": enr.ID,
		"campaign_id":   enr.CampaignID,
		"recipient_id":  enr.RecipientID,
		"step":          step.Name,
	})
	if err != nil {
		return err
	}
	if _, err := a.queue.Enqueue(ctx, &schema.JobSubmission{
		JobID:      stepJobID(enr.ID, idx),
		Type:       step.JobType,
		Priority:   schema.PriorityNormal,
		Parameters: params,
	}); err != nil {
		return err
	}

	if err := a.store.AdvanceEnrollment(ctx, enr.ID, idx+1, now.Add(step.Delay)); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "sequence step enqueued",
		slog.String("enrollment_id", enr.ID),
		slog.String("step", step.Name),
		slog.String("job_id", stepJobID(enr.ID, idx)))
	return nil
}

// stepJobID is deterministic per (enrollment, step), so a re-run of an
// already-advanced tick cannot enqueue the same step twice.
func stepJobID(enrollmentID string, step int) string {
	return fmt.Sprintf("seq:%s:%d", enrollmentID, step)
}
