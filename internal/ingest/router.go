package ingest

import (
	"github.com/outboundkit/flowstate/pkg/schema"
)

// JobSpec describes a follow-up job a rule enqueues after its transition
// commits. The job ID is derived from the event ID, so redelivered events
// never enqueue twice.
type JobSpec struct {
	Type     string          `yaml:"type" json:"type"`
	Priority schema.Priority `yaml:"priority" json:"priority"`
}

// Rule binds one event type to one state machine transition.
//
// Guard is optional; when set it is evaluated before any write with the
// variables `event` and `payload`, and a false result skips the event
// entirely. Extract is an optional jq expression run against the same data;
// its output is stored as the transition's result payload.
type Rule struct {
	EventType string           `yaml:"event_type" json:"event_type"`
	Owner     schema.OwnerType `yaml:"owner" json:"owner"`
	Expected  string           `yaml:"expected" json:"expected"`
	Next      string           `yaml:"next" json:"next"`

	GuardEngine string `yaml:"guard_engine,omitempty" json:"guard_engine,omitempty"`
	Guard       string `yaml:"guard,omitempty" json:"guard,omitempty"`
	Extract     string `yaml:"extract,omitempty" json:"extract,omitempty"`

	FollowUp *JobSpec `yaml:"follow_up,omitempty" json:"follow_up,omitempty"`
}

// Router resolves inbound event types to their rules.
type Router struct {
	rules map[string]Rule
}

// NewRouter validates the rule set and builds a router. Rule validation is
// structural only; whether expected -> next is a legal transition is decided
// by the state machine at apply time.
func NewRouter(rules []Rule) (*Router, error) {
	byType := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.EventType == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "rule missing event type")
		}
		if _, dup := byType[r.EventType]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate rule for event type %q", r.EventType)
		}
		switch r.Owner {
		case schema.OwnerWorkflow, schema.OwnerJob, schema.OwnerEnrollment:
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rule %q has unknown owner %q", r.EventType, r.Owner)
		}
		if r.Expected == "" || r.Next == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rule %q missing expected or next status", r.EventType)
		}
		if (r.Guard == "") != (r.GuardEngine == "") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rule %q must set guard and guard_engine together", r.EventType)
		}
		if r.FollowUp != nil {
			if r.FollowUp.Type == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"rule %q follow-up job missing type", r.EventType)
			}
			if r.FollowUp.Priority != "" && !r.FollowUp.Priority.Valid() {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"rule %q follow-up job has invalid priority %q", r.EventType, r.FollowUp.Priority)
			}
		}
		byType[r.EventType] = r
	}
	return &Router{rules: byType}, nil
}

// Rule returns the rule for the event type, or false when none is registered.
func (r *Router) Rule(eventType string) (Rule, bool) {
	rule, ok := r.rules[eventType]
	return rule, ok
}
