package expressions

import (
	"context"

	"github.com/outboundkit/flowstate/pkg/schema"
)

// Engine evaluates routing and guard expressions against event and
// enrollment data. Three implementations: CEL and Expr for boolean guards,
// GoJQ for extracting fields out of provider payloads.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the configured engines keyed by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry from the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// DefaultRegistry wires up all three engines.
func DefaultRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(NewExprEngine(), cel, NewGoJQEngine()), nil
}

// Engine returns the engine registered under name.
func (r *Registry) Engine(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
	return e, nil
}

// EvaluateBool evaluates a guard expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, engine, expression string, data map[string]any) (bool, error) {
	e, err := r.Engine(engine)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard expression %q did not produce a boolean (got %T)", expression, out)
	}
	return b, nil
}
