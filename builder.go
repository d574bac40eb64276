package weft

import (
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// DefinitionBuilder provides a fluent API for assembling workflow
// definitions:
//
//	def, err := weft.NewDefinition("enrich-lead").
//	    Step("fetch", "crm", "get-contact").
//	    Step("score", "analytics", "score-lead").
//	    DependsOn("fetch", "score").
//	    Build()
//
// Build validates the result; the builder itself never panics on bad
// input, so errors surface in one place.
type DefinitionBuilder struct {
	def api.WorkflowDefinition
}

// NewDefinition creates a builder for a definition with the given ID.
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: api.WorkflowDefinition{ID: id},
	}
}

// StepOption customizes a step added with Step.
type StepOption func(*api.StepDefinition)

// WithParams sets the step's input template. String values may hold
// "{{input.key}}" and "{{steps.<id>.<key>}}" placeholders.
func WithParams(params map[string]any) StepOption {
	return func(s *api.StepDefinition) { s.Params = params }
}

// WithMaxAttempts sets the total attempt count, first attempt included.
func WithMaxAttempts(n int) StepOption {
	return func(s *api.StepDefinition) { s.MaxAttempts = n }
}

// WithTimeout bounds a single capability invocation.
func WithTimeout(d time.Duration) StepOption {
	return func(s *api.StepDefinition) { s.Timeout = d }
}

// WithOnFailure selects the step's failure policy.
func WithOnFailure(policy OnFailure) StepOption {
	return func(s *api.StepDefinition) { s.OnFailure = policy }
}

// WithRetry overrides the engine's default backoff for this step.
func WithRetry(policy RetryPolicy) StepOption {
	return func(s *api.StepDefinition) {
		p := policy
		s.Retry = &p
	}
}

// Step appends a step bound to the (module, action) capability.
func (b *DefinitionBuilder) Step(id, module, action string, opts ...StepOption) *DefinitionBuilder {
	step := api.StepDefinition{ID: id, Module: module, Action: action}
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// DependsOn adds a dependency edge: to runs only after from succeeds.
func (b *DefinitionBuilder) DependsOn(from, to string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to})
	return b
}

// Definition returns the definition assembled so far without
// validating it. Typically used when interacting with lower-level APIs.
func (b *DefinitionBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Build validates the assembled definition and returns it.
func (b *DefinitionBuilder) Build() (WorkflowDefinition, error) {
	if err := b.def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return b.def, nil
}
