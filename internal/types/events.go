package types

import (
	"encoding/json"
	"time"
)

// EventType enumerates every journal event the core emits, plus the
// `_system` pseudo-session events used for auth/rate-limit logging.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionStarted   EventType = "session.started"
	EventSessionCheckpoint EventType = "session.checkpoint"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionAborted   EventType = "session.aborted"

	EventPlannerRequested   EventType = "planner.requested"
	EventPlannerPlanRejected EventType = "planner.plan_rejected"
	EventPlanCriticized     EventType = "plan.criticized"
	EventPlanAccepted       EventType = "plan.accepted"
	EventPlanReplaced       EventType = "plan.replaced"

	EventStepStarted   EventType = "step.started"
	EventStepSucceeded EventType = "step.succeeded"
	EventStepFailed    EventType = "step.failed"

	EventToolStarted   EventType = "tool.started"
	EventToolSucceeded EventType = "tool.succeeded"
	EventToolFailed    EventType = "tool.failed"

	EventUsageRecorded       EventType = "usage.recorded"
	EventLimitExceeded       EventType = "limit.exceeded"
	EventFutilityDetected    EventType = "futility.detected"
	EventMemoryLesson        EventType = "memory.lesson_extracted"
	EventPermissionObserved  EventType = "permission.observed_execution"
	EventPolicyViolated      EventType = "policy.violated"

	EventAuthFailed      EventType = "auth.failed"
	EventAuthRateLimited EventType = "auth.rate_limited"
	EventAuthKeyRotated  EventType = "auth.key_rotated"
)

// SystemSessionID is the pseudo-session under which `_system` events
// (auth failures, rate limiting, key rotation) are journaled.
const SystemSessionID = "_system"

// Event is the wire/journal envelope common to every emitted event.
// Payload is a tagged union keyed by Type: callers decode it with
// json.Unmarshal into the variant matching Type, and an unknown Type
// during replay is preserved (re-marshaled verbatim) but not
// dispatched to any handler.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Payload variants below are marshaled into Event.Payload by the
// kernel and storage layers; they are not part of the Event envelope
// itself so that an unknown Type can still round-trip untouched.

type SessionCreatedPayload struct {
	Task   Task   `json:"task"`
	Mode   Mode   `json:"mode"`
	Limits Limits `json:"limits"`
}

type SessionCheckpointPayload struct {
	CompletedStepIDs []string `json:"completed_step_ids"`
}

type SessionFailedPayload struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

type PlanAcceptedPayload struct {
	Plan Plan `json:"plan"`
}

type PlanReplacedPayload struct {
	PreviousPlanID string `json:"previous_plan_id"`
	NewPlanID      string `json:"new_plan_id"`
	Iteration      int    `json:"iteration"`
}

type PlanCriticizedPayload struct {
	Results []CriticResult `json:"results"`
}

type PlannerPlanRejectedPayload struct {
	Reason string `json:"reason"`
}

type StepStartedPayload struct {
	StepID string `json:"step_id"`
}

type StepSucceededPayload struct {
	StepID string `json:"step_id"`
	Output any    `json:"output,omitempty"`
}

type StepFailedPayload struct {
	StepID   string    `json:"step_id"`
	Error    StepError `json:"error"`
	Attempts int       `json:"attempts"`
}

type ToolEventPayload struct {
	StepID   string `json:"step_id"`
	ToolName string `json:"tool_name"`
}

type UsageRecordedPayload struct {
	Usage Usage `json:"usage"`
}

type LimitExceededPayload struct {
	Limit     string  `json:"limit"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

type FutilityDetectedPayload struct {
	Reason string `json:"reason"`
}

type MemoryLessonPayload struct {
	Lesson MemoryLesson `json:"lesson"`
}

type AuthFailedPayload struct {
	IP     string `json:"ip"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type AuthKeyRotatedPayload struct {
	RotatedAt time.Time `json:"rotated_at"`
}

// CriticResult is one critic's verdict on a plan, carried inside
// PlanCriticizedPayload.
type CriticResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity"`
}
