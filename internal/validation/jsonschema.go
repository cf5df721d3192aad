package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/outboundkit/flowstate/pkg/schema"
)

// eventSchemaJSON is the JSON Schema for inbound event envelopes. Embedded
// as a constant to avoid filesystem dependencies.
const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/event.json",
  "type": "object",
  "required": ["type"],
  "properties": {
    "event_id": {
      "type": "string",
      "minLength": 1,
      "maxLength": 255
    },
    "type": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z][a-z0-9_]*(\\.[a-z][a-z0-9_]*)+$"
    },
    "owner_key": {
      "type": "string"
    },
    "payload": {},
    "received_at": {
      "type": "string",
      "format": "date-time"
    },
    "non_idempotent": {
      "type": "boolean"
    }
  },
  "additionalProperties": false
}`

// jobSchemaJSON is the JSON Schema for job submissions.
const jobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/job.json",
  "type": "object",
  "required": ["type"],
  "properties": {
    "job_id": {
      "type": "string",
      "maxLength": 255
    },
    "type": {
      "type": "string",
      "minLength": 1,
      "maxLength": 128
    },
    "priority": {
      "type": "string",
      "enum": ["low", "normal", "high"]
    },
    "parameters": {}
  },
  "additionalProperties": false
}`

// EnvelopeValidator validates inbound event and job submission envelopes
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type EnvelopeValidator struct {
	eventSchema *jsonschema.Schema
	jobSchema   *jsonschema.Schema

	// mu guards the cache for per-type payload schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewEnvelopeValidator creates an EnvelopeValidator with the envelope
// schemas pre-compiled.
func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	eventSchema, err := compileConst("https://flowstate.dev/schemas/event.json", eventSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	jobSchema, err := compileConst("https://flowstate.dev/schemas/job.json", jobSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}

	return &EnvelopeValidator{
		eventSchema: eventSchema,
		jobSchema:   jobSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateEvent validates an inbound event envelope.
func (v *EnvelopeValidator) ValidateEvent(ev *schema.InboundEvent) error {
	if ev == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}

	doc, err := toJSONValue(ev)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize event").WithCause(err)
	}
	if err := v.eventSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateJob validates a job submission envelope.
func (v *EnvelopeValidator) ValidateJob(sub *schema.JobSubmission) error {
	if sub == nil {
		return schema.NewError(schema.ErrCodeValidation, "job submission is nil")
	}

	doc, err := toJSONValue(sub)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize job submission").WithCause(err)
	}
	if err := v.jobSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidatePayload validates an event payload against a JSON Schema provided
// as raw bytes. The schema is compiled and cached for subsequent calls.
func (v *EnvelopeValidator) ValidatePayload(payload json.RawMessage, payloadSchema []byte) error {
	if len(payloadSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *EnvelopeValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("flowstate://payload-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func compileConst(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// per-field violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
