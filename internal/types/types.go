// Package types holds the data model shared by every kernel and
// control-plane component: sessions, tasks, plans, steps, limits,
// policy, usage, and the approval and tool-schema shapes layered on
// top of the distilled spec.
package types

import "time"

// SessionStatus is the session FSM state. Terminal states are
// absorbing: once reached, no further transition is valid.
type SessionStatus string

const (
	SessionCreated          SessionStatus = "created"
	SessionPlanning         SessionStatus = "planning"
	SessionRunning          SessionStatus = "running"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionAborted          SessionStatus = "aborted"
)

// IsTerminal reports whether status is one of the absorbing states.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionAborted:
		return true
	default:
		return false
	}
}

// Mode controls how the tool runtime dispatches a step.
type Mode string

const (
	ModeMock   Mode = "mock"
	ModeDryRun Mode = "dry_run"
	ModeLive   Mode = "live"
)

// Task is an immutable natural-language work item.
type Task struct {
	TaskID      string            `json:"task_id"`
	Text        string            `json:"text"`
	Constraints map[string]string `json:"constraints,omitempty"`
	SubmittedBy string            `json:"submitted_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Limits bounds a session's resource consumption. Cumulative fields
// accumulate across agentic iterations, not just within one plan.
type Limits struct {
	MaxSteps      int     `json:"max_steps"`
	MaxDurationMs int64   `json:"max_duration_ms"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
	MaxTokens     int64   `json:"max_tokens"`
	MaxIterations int     `json:"max_iterations"`
}

// Clamp returns a copy of l with every field clamped to at most the
// corresponding field of max. Clamping only ever lowers a value; it
// never raises one below a floor (per DESIGN.md's documented decision
// on the "clamp to server maxima, not floor" open question).
func (l Limits) Clamp(max Limits) Limits {
	out := l
	if max.MaxSteps > 0 && (out.MaxSteps <= 0 || out.MaxSteps > max.MaxSteps) {
		out.MaxSteps = max.MaxSteps
	}
	if max.MaxDurationMs > 0 && (out.MaxDurationMs <= 0 || out.MaxDurationMs > max.MaxDurationMs) {
		out.MaxDurationMs = max.MaxDurationMs
	}
	if max.MaxCostUSD > 0 && (out.MaxCostUSD <= 0 || out.MaxCostUSD > max.MaxCostUSD) {
		out.MaxCostUSD = max.MaxCostUSD
	}
	if max.MaxTokens > 0 && (out.MaxTokens <= 0 || out.MaxTokens > max.MaxTokens) {
		out.MaxTokens = max.MaxTokens
	}
	if max.MaxIterations > 0 && (out.MaxIterations <= 0 || out.MaxIterations > max.MaxIterations) {
		out.MaxIterations = max.MaxIterations
	}
	return out
}

// Policy is server-controlled and never overridden by client input.
type Policy struct {
	AllowedPaths          []string `json:"allowed_paths,omitempty"`
	AllowedEndpoints      []string `json:"allowed_endpoints,omitempty"`
	AllowedCommands       []string `json:"allowed_commands,omitempty"`
	RequireApprovalWrites bool     `json:"require_approval_for_writes"`
}

// FailurePolicy controls how a step failure affects plan execution.
type FailurePolicy string

const (
	FailureAbort    FailurePolicy = "abort"
	FailureContinue FailurePolicy = "continue"
	FailureReplan   FailurePolicy = "replan"
)

// ToolRef names the tool a step invokes.
type ToolRef struct {
	Name string `json:"name"`
}

// Step is one node of a plan's dependency DAG.
type Step struct {
	StepID         string            `json:"step_id"`
	Title          string            `json:"title"`
	ToolRef        ToolRef           `json:"tool_ref"`
	Input          map[string]any    `json:"input,omitempty"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
	FailurePolicy  FailurePolicy     `json:"failure_policy"`
	TimeoutMs      int64             `json:"timeout_ms"`
	MaxRetries     int               `json:"max_retries"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	InputFrom      map[string]string `json:"input_from,omitempty"`
}

// Plan is an ordered, atomically-replaced list of steps.
type Plan struct {
	PlanID        string    `json:"plan_id"`
	SchemaVersion string    `json:"schema_version"`
	Goal          string    `json:"goal"`
	Assumptions   []string  `json:"assumptions,omitempty"`
	Steps         []Step    `json:"steps"`
	CreatedAt     time.Time `json:"created_at"`
}

// StepStatus is the lifecycle of one step's execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepError attaches a kernel-internal error code to a failed step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Output   any        `json:"output,omitempty"`
	Error    *StepError `json:"error,omitempty"`
}

// Usage is the running total of token/cost consumption for a session.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CallCount    int64   `json:"call_count"`
}

// UsageRecord is one planner/tool call's consumption, as reported by
// the collaborator that performed the call.
type UsageRecord struct {
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	CostUSD        *float64 `json:"cost_usd,omitempty"`
	InputCostPer1k float64  `json:"input_cost_per_1k,omitempty"`
	OutputCostPer1k float64 `json:"output_cost_per_1k,omitempty"`
}

// Session is the top-level unit of work.
type Session struct {
	SessionID   string        `json:"session_id"`
	Status      SessionStatus `json:"status"`
	Mode        Mode          `json:"mode"`
	Task        Task          `json:"task"`
	ActivePlanID string       `json:"active_plan_id,omitempty"`
	Limits      Limits        `json:"limits"`
	Policy      Policy        `json:"policy"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// ToolFieldSpec is one field of a tool's input or output schema.
type ToolFieldSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

// ToolCategory selects CircuitBreaker threshold/cooldown defaults.
type ToolCategory string

const (
	CategoryLLM   ToolCategory = "llm"
	CategoryShell ToolCategory = "shell"
	CategoryHTTP  ToolCategory = "http"
	CategoryOther ToolCategory = "other"
)

// ToolSchema describes a registered tool's contract.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Input       []ToolFieldSpec `json:"input"`
	Output      []ToolFieldSpec `json:"output,omitempty"`
	Category    ToolCategory    `json:"category"`
}

// MemoryLesson is one lesson extracted from a terminal session
// outcome and appended to ActiveMemory.
type MemoryLesson struct {
	TaskSummary string    `json:"task_summary"`
	Outcome     string    `json:"outcome"`
	Lesson      string    `json:"lesson"`
	CreatedAt   time.Time `json:"created_at"`
}

// RotatedKey is a previously-current API key retained during its
// grace window after rotation.
type RotatedKey struct {
	Key            string    `json:"key"`
	ActivatedAt    time.Time `json:"activated_at"`
	GraceExpiresAt time.Time `json:"grace_expires_at"`
}

// ApprovalDecision is the outcome a resolver applies to a pending
// approval request.
type ApprovalDecision string

const (
	DecisionAllowOnce         ApprovalDecision = "allow_once"
	DecisionAllowSession      ApprovalDecision = "allow_session"
	DecisionAllowAlways       ApprovalDecision = "allow_always"
	DecisionDeny              ApprovalDecision = "deny"
	DecisionAllowConstrained  ApprovalDecision = "allow_constrained"
	DecisionAllowObserved     ApprovalDecision = "allow_observed"
	DecisionDenyWithAlternate ApprovalDecision = "deny_with_alternative"
)

// ValidDecisions is the full set accepted by the approval endpoints.
var ValidDecisions = map[ApprovalDecision]bool{
	DecisionAllowOnce:         true,
	DecisionAllowSession:      true,
	DecisionAllowAlways:       true,
	DecisionDeny:              true,
	DecisionAllowConstrained:  true,
	DecisionAllowObserved:     true,
	DecisionDenyWithAlternate: true,
}
