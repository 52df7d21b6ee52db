// Package kernel implements the Execution Kernel: session lifecycle,
// plan validation, step DAG execution with retries, the agentic
// replan loop, limit enforcement, futility detection, and
// journal-based crash recovery. Grounded wholesale on the teacher's
// autonomous.Loop (internal/autonomous/orchestrator.go), generalized
// from job-runner semantics to the spec's step-DAG-with-dependencies
// semantics (see DESIGN.md's internal/kernel entry).
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/agentkernel/internal/approval"
	"github.com/oldeucryptoboi/agentkernel/internal/critics"
	"github.com/oldeucryptoboi/agentkernel/internal/futility"
	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/memory"
	"github.com/oldeucryptoboi/agentkernel/internal/planner"
	"github.com/oldeucryptoboi/agentkernel/internal/taskstate"
	"github.com/oldeucryptoboi/agentkernel/internal/tools"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
	"github.com/oldeucryptoboi/agentkernel/internal/usage"
)

// Errors the kernel contract returns for invalid calls.
var (
	ErrAlreadyHasSession  = errors.New("kernel already has a session")
	ErrAlreadyRunning     = errors.New("session already running")
	ErrNoSession          = errors.New("no session")
	ErrInvalidTransition  = errors.New("invalid transition: session is terminal")
)

// PlannerRetry configures the planner-call retry policy.
type PlannerRetry struct {
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPlannerRetry matches the spec's 120s planner-call timeout
// default, with a small retry budget for critic-rejected plans.
var DefaultPlannerRetry = PlannerRetry{MaxAttempts: 3, Timeout: 120 * time.Second}

// Config wires every collaborator the Kernel depends on. It is the
// single builder/config struct the spec's "Dual construction paths"
// design note asks for in place of a legacy two-arg constructor.
type Config struct {
	Journal         *journal.Store
	ToolRegistry    *tools.Registry
	ToolRuntime     *tools.Runtime
	Planner         planner.Planner
	Memory          *memory.Store // optional
	Critics         []critics.Critic
	FutilityConfig  futility.Config
	PlannerRetry    PlannerRetry
	Agentic         bool
	ApprovalHook    ApprovalHook // optional
	UsageFunc       UsageFunc    // optional
	Now             func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) bool
}

// ApprovalHook is consulted before a live-mode write-capable step
// executes when policy.require_approval_for_writes is set.
type ApprovalHook func(ctx context.Context, sessionID string, step types.Step) (types.ApprovalDecision, error)

// UsageFunc reports the usage incurred by the most recent planner or
// tool call, if any is known. Kept as a single injectable hook rather
// than widening the Planner/tools.Runtime interfaces, since neither
// collaborator contract otherwise needs to know about accounting.
type UsageFunc func() *types.UsageRecord

// Kernel owns exactly one Session across its lifetime.
type Kernel struct {
	cfg Config

	mu        sync.Mutex
	session   *types.Session
	taskState *taskstate.TaskState
	usageAcc  *usage.Accumulator
	futilityM *futility.Monitor

	running  bool
	abortReq int32 // accessed via atomic-like mutex guard below
}

func normalizeConfig(cfg Config) Config {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = defaultSleep
	}
	if cfg.Critics == nil {
		cfg.Critics = critics.Default
	}
	if cfg.PlannerRetry.MaxAttempts <= 0 {
		cfg.PlannerRetry = DefaultPlannerRetry
	}
	if cfg.FutilityConfig == (futility.Config{}) {
		cfg.FutilityConfig = futility.DefaultConfig
	}
	return cfg
}

func defaultSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// New returns a Kernel with no session yet.
func New(cfg Config) *Kernel {
	return &Kernel{cfg: normalizeConfig(cfg)}
}

// CreateSession allocates a session_id, emits session.created, and
// transitions to created. Fails if this kernel already has a session.
func (k *Kernel) CreateSession(ctx context.Context, task types.Task, mode types.Mode, limits types.Limits, policy types.Policy) (types.Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.session != nil {
		return types.Session{}, ErrAlreadyHasSession
	}

	now := k.cfg.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	sess := types.Session{
		SessionID: uuid.NewString(),
		Status:    types.SessionCreated,
		Mode:      mode,
		Task:      task,
		Limits:    limits,
		Policy:    policy,
		CreatedAt: now,
	}

	if _, err := k.cfg.Journal.Emit(ctx, sess.SessionID, types.EventSessionCreated, types.SessionCreatedPayload{
		Task: task, Mode: mode, Limits: limits,
	}); err != nil {
		return types.Session{}, fmt.Errorf("emit session.created: %w", err)
	}

	k.session = &sess
	k.taskState = taskstate.New()
	k.usageAcc = usage.New()
	k.futilityM = futility.New(k.cfg.FutilityConfig)
	return sess, nil
}

// GetSession returns a snapshot of the current session.
func (k *Kernel) GetSession() (types.Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return types.Session{}, ErrNoSession
	}
	return *k.session, nil
}

// GetTaskState returns a snapshot of the kernel's step bookkeeping.
func (k *Kernel) GetTaskState() (taskstate.Snapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.taskState == nil {
		return taskstate.Snapshot{}, ErrNoSession
	}
	return k.taskState.GetSnapshot(), nil
}

// GetUsageSummary returns a snapshot of accumulated usage.
func (k *Kernel) GetUsageSummary() (types.Usage, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.usageAcc == nil {
		return types.Usage{}, ErrNoSession
	}
	return k.usageAcc.Summary(), nil
}

// Abort cooperatively requests termination. Idempotent on terminal
// sessions: a completed/failed/aborted session is never backfilled
// with a fresh terminal event.
func (k *Kernel) Abort(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return ErrNoSession
	}
	if k.session.Status.IsTerminal() {
		return nil
	}
	k.abortReq = 1
	return nil
}

func (k *Kernel) abortRequested() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.abortReq == 1
}

func (k *Kernel) setStatus(status types.SessionStatus) {
	k.mu.Lock()
	k.session.Status = status
	k.mu.Unlock()
}

func (k *Kernel) emit(ctx context.Context, typ types.EventType, payload any) {
	k.mu.Lock()
	sessionID := k.session.SessionID
	k.mu.Unlock()
	// Best-effort: the lifecycle supervisor surfaces journal failures
	// at its own boundary; the kernel does not retry emits.
	_, _ = k.cfg.Journal.Emit(ctx, sessionID, typ, payload)
}

// recordUsage folds in one reported call's usage, if the hook is
// configured and has something to report, and journals usage.recorded.
func (k *Kernel) recordUsage(ctx context.Context) {
	if k.cfg.UsageFunc == nil {
		return
	}
	rec := k.cfg.UsageFunc()
	if rec == nil {
		return
	}
	u := k.usageAcc.Record(*rec)
	k.emit(ctx, types.EventUsageRecorded, types.UsageRecordedPayload{Usage: u})
}

func jitter() time.Duration {
	return time.Duration(rand.Intn(500)) * time.Millisecond
}

func backoff(attempt int) time.Duration {
	ms := 500 * (1 << attempt)
	if ms > 15000 {
		ms = 15000
	}
	return time.Duration(ms)*time.Millisecond + jitter()
}

// marshalOutput is a small helper used when journaling step outputs.
func marshalOutput(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
