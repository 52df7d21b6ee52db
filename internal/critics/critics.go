// Package critics implements the pure predicates the Kernel runs over
// a proposed plan before accepting it: unknown-tool, tool-input,
// step-limit, and self-reference/cycle checks.
package critics

import (
	"fmt"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Severity distinguishes blocking critic failures from informational
// ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Context carries the information critics need beyond the plan
// itself: the registered tool schemas and the session's limits.
type Context struct {
	Schemas map[string]types.ToolSchema
	Limits  types.Limits
}

// Critic is a pure predicate over (plan, ctx).
type Critic func(plan types.Plan, ctx Context) types.CriticResult

// Default is the Kernel's default critic set, in evaluation order.
var Default = []Critic{
	UnknownTool,
	ToolInput,
	StepLimit,
	SelfReference,
}

// Run evaluates every critic in set against plan and ctx.
func Run(set []Critic, plan types.Plan, ctx Context) []types.CriticResult {
	results := make([]types.CriticResult, 0, len(set))
	for _, c := range set {
		results = append(results, c(plan, ctx))
	}
	return results
}

// AnyErrors reports whether any result is a failing error-severity
// critic — the Kernel blocks plan acceptance when this is true.
func AnyErrors(results []types.CriticResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == string(SeverityError) {
			return true
		}
	}
	return false
}

// UnknownTool fails if any step references a tool not present in the
// registered schema list.
func UnknownTool(plan types.Plan, ctx Context) types.CriticResult {
	for _, step := range plan.Steps {
		if _, ok := ctx.Schemas[step.ToolRef.Name]; !ok {
			return types.CriticResult{
				Name:     "unknown-tool",
				Passed:   false,
				Message:  fmt.Sprintf("step %q references unknown tool %q", step.StepID, step.ToolRef.Name),
				Severity: string(SeverityError),
			}
		}
	}
	return types.CriticResult{Name: "unknown-tool", Passed: true, Severity: string(SeverityError)}
}

// ToolInput fails if any step is missing a required field from its
// tool's input schema, after merging input_from bindings would occur.
// Unknown tools are left to UnknownTool; a step whose tool isn't
// registered is skipped here rather than double-reported.
func ToolInput(plan types.Plan, ctx Context) types.CriticResult {
	for _, step := range plan.Steps {
		schema, ok := ctx.Schemas[step.ToolRef.Name]
		if !ok {
			continue
		}
		for _, field := range schema.Input {
			if !field.Required {
				continue
			}
			if _, present := step.Input[field.Name]; present {
				continue
			}
			if _, boundLater := step.InputFrom[field.Name]; boundLater {
				continue
			}
			return types.CriticResult{
				Name:     "tool-input",
				Passed:   false,
				Message:  fmt.Sprintf("step %q missing required field %q for tool %q", step.StepID, field.Name, step.ToolRef.Name),
				Severity: string(SeverityError),
			}
		}
	}
	return types.CriticResult{Name: "tool-input", Passed: true, Severity: string(SeverityError)}
}

// StepLimit fails if the plan's step count exceeds limits.max_steps.
func StepLimit(plan types.Plan, ctx Context) types.CriticResult {
	if ctx.Limits.MaxSteps > 0 && len(plan.Steps) > ctx.Limits.MaxSteps {
		return types.CriticResult{
			Name:     "step-limit",
			Passed:   false,
			Message:  fmt.Sprintf("plan has %d steps, exceeding max_steps %d", len(plan.Steps), ctx.Limits.MaxSteps),
			Severity: string(SeverityError),
		}
	}
	return types.CriticResult{Name: "step-limit", Passed: true, Severity: string(SeverityError)}
}

// SelfReference fails if a step lists itself in depends_on, or if the
// dependency graph contains any cycle, via iterative DFS: every step
// that is never assigned a finishing order indicates a cycle.
func SelfReference(plan types.Plan, ctx Context) types.CriticResult {
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.StepID {
				return types.CriticResult{
					Name:     "self-reference",
					Passed:   false,
					Message:  fmt.Sprintf("step %q depends on itself", step.StepID),
					Severity: string(SeverityError),
				}
			}
		}
	}

	if cycleStep, found := FindCycle(plan); found {
		return types.CriticResult{
			Name:     "self-reference",
			Passed:   false,
			Message:  fmt.Sprintf("dependency cycle detected involving step %q", cycleStep),
			Severity: string(SeverityError),
		}
	}
	return types.CriticResult{Name: "self-reference", Passed: true, Severity: string(SeverityError)}
}

// dfsState tracks the iterative-DFS visitation state for cycle
// detection.
type dfsState int

const (
	unvisited dfsState = iota
	visiting
	finished
)

// FindCycle performs an iterative DFS over the plan's depends_on
// graph. A step that is never assigned a finishing order (remains
// "visiting" when re-encountered) indicates a cycle; FindCycle
// returns that step's id.
func FindCycle(plan types.Plan) (string, bool) {
	adj := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		adj[step.StepID] = step.DependsOn
	}

	state := make(map[string]dfsState, len(plan.Steps))

	type frame struct {
		id   string
		next int
	}

	for _, step := range plan.Steps {
		if state[step.StepID] != unvisited {
			continue
		}
		stack := []frame{{id: step.StepID}}
		state[step.StepID] = visiting

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := adj[top.id]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch state[dep] {
				case unvisited:
					state[dep] = visiting
					stack = append(stack, frame{id: dep})
				case visiting:
					return dep, true
				case finished:
					// already fully explored, no cycle through it
				}
				continue
			}
			state[top.id] = finished
			stack = stack[:len(stack)-1]
		}
	}
	return "", false
}
