// Package tools provides a minimal but real reference implementation
// of the tool registry and tool runtime the Kernel treats as an
// external collaborator: schema registration/lookup, mode-aware
// dispatch (mock/dry_run/live), and a sandbox-style policy gate for
// live calls, grounded on the teacher's autonomous.Executor interface
// (internal/autonomous/execution.go) and sandbox.EnforcementLayer
// (internal/sandbox/sandbox.go).
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/oldeucryptoboi/agentkernel/internal/circuitbreaker"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Handler executes one tool call in live mode.
type Handler func(ctx context.Context, input map[string]any) (output any, err error)

// Registry holds registered tool schemas and handlers.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]types.ToolSchema
	handlers map[string]Handler
	mocks    map[string][]any
	mockIdx  map[string]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[string]types.ToolSchema),
		handlers: make(map[string]Handler),
		mocks:    make(map[string][]any),
		mockIdx:  make(map[string]int),
	}
}

// Register adds a tool schema, its live handler (may be nil if the
// tool is mock-only), and its round-robin mock responses.
func (r *Registry) Register(schema types.ToolSchema, handler Handler, mockResponses []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
	if handler != nil {
		r.handlers[schema.Name] = handler
	}
	r.mocks[schema.Name] = mockResponses
}

// Lookup returns a tool's schema.
func (r *Registry) Lookup(name string) (types.ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// List returns every registered schema, keyed by name.
func (r *Registry) List() map[string]types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.ToolSchema, len(r.schemas))
	for k, v := range r.schemas {
		out[k] = v
	}
	return out
}

func (r *Registry) nextMock(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	responses := r.mocks[name]
	if len(responses) == 0 {
		return nil, false
	}
	i := r.mockIdx[name] % len(responses)
	r.mockIdx[name] = i + 1
	return responses[i], true
}

// PolicyChecker validates a live-mode call's input against the
// session's effective policy, grounded on sandbox.EnforcementLayer's
// capability-check shape.
type PolicyChecker func(toolName string, input map[string]any, policy types.Policy) error

// Runtime dispatches validated tool calls under the session's mode,
// consulting the circuit breaker and (in live mode) a policy checker
// before calling the handler.
type Runtime struct {
	registry *Registry
	breaker  *circuitbreaker.Breaker
	policy   PolicyChecker
}

// NewRuntime returns a Runtime bound to registry and breaker. A nil
// policyChecker allows every live call through (useful for tests).
func NewRuntime(registry *Registry, breaker *circuitbreaker.Breaker, policy PolicyChecker) *Runtime {
	if policy == nil {
		policy = func(string, map[string]any, types.Policy) error { return nil }
	}
	return &Runtime{registry: registry, breaker: breaker, policy: policy}
}

// ErrToolNotFound mirrors the kernel-internal TOOL_NOT_FOUND code.
var ErrToolNotFound = fmt.Errorf("tool not found")

// ErrCircuitOpen mirrors the kernel-internal CIRCUIT_BREAKER_OPEN code.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// InputValidationError mirrors the kernel-internal INVALID_INPUT code:
// a required input field is missing.
type InputValidationError struct{ Field string }

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("missing required input field %q", e.Field)
}

// OutputValidationError mirrors the kernel-internal INVALID_OUTPUT
// code: a tool's returned output is missing a required field the
// schema promises callers.
type OutputValidationError struct{ Field string }

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("missing required output field %q", e.Field)
}

// PolicyViolationError mirrors the kernel-internal POLICY_VIOLATION
// code: a live-mode call's input failed the session's allow-list
// check. Err carries the policy checker's own reason.
type PolicyViolationError struct{ Err error }

func (e *PolicyViolationError) Error() string { return "policy violation: " + e.Err.Error() }
func (e *PolicyViolationError) Unwrap() error { return e.Err }

// Execute validates input against the tool's required fields, checks
// the circuit breaker, and dispatches according to mode.
func (rt *Runtime) Execute(ctx context.Context, mode types.Mode, toolName string, input map[string]any, policy types.Policy) (any, error) {
	schema, ok := rt.registry.Lookup(toolName)
	if !ok {
		return nil, ErrToolNotFound
	}

	if err := validateRequired(schema, input); err != nil {
		return nil, err
	}

	if rt.breaker.IsOpen(toolName, schema.Category) {
		return nil, ErrCircuitOpen
	}

	var (
		output any
		err    error
	)
	validateOutput := true
	switch mode {
	case types.ModeDryRun:
		// dry_run never calls the real handler, so its synthetic
		// placeholder is not held to the tool's own output schema.
		output = map[string]any{"dry_run": true, "tool": toolName}
		validateOutput = false
	case types.ModeMock:
		resp, has := rt.registry.nextMock(toolName)
		if !has {
			output = map[string]any{"mock": true, "tool": toolName}
			validateOutput = false
		} else {
			output = resp
		}
	case types.ModeLive:
		if perr := rt.policy(toolName, input, policy); perr != nil {
			return nil, &PolicyViolationError{Err: perr}
		}
		rt.registry.mu.RLock()
		handler, ok := rt.registry.handlers[toolName]
		rt.registry.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no live handler registered for tool %q", toolName)
		}
		output, err = handler(ctx, input)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	if err != nil {
		rt.breaker.RecordFailure(toolName, schema.Category, true)
		return nil, err
	}
	if validateOutput {
		if verr := validateOutputFields(schema, output); verr != nil {
			rt.breaker.RecordFailure(toolName, schema.Category, true)
			return nil, verr
		}
	}
	rt.breaker.RecordSuccess(toolName, schema.Category)
	return output, nil
}

func validateRequired(schema types.ToolSchema, input map[string]any) error {
	for _, field := range schema.Input {
		if !field.Required {
			continue
		}
		if _, ok := input[field.Name]; !ok {
			return &InputValidationError{Field: field.Name}
		}
	}
	return nil
}

// validateOutputFields checks a handler's or mock response's output
// against the tool's declared Output fields. A non-map output with a
// non-empty Output schema can never satisfy it.
func validateOutputFields(schema types.ToolSchema, output any) error {
	if len(schema.Output) == 0 {
		return nil
	}
	fields, ok := output.(map[string]any)
	if !ok {
		return &OutputValidationError{Field: schema.Output[0].Name}
	}
	for _, field := range schema.Output {
		if !field.Required {
			continue
		}
		if _, ok := fields[field.Name]; !ok {
			return &OutputValidationError{Field: field.Name}
		}
	}
	return nil
}
