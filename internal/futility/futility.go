// Package futility implements the Futility Monitor: detection of
// repeated errors, stagnation, identical plans, and cost growth
// without progress across agentic iterations.
package futility

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Config holds the monitor's thresholds.
type Config struct {
	MaxRepeatedErrors      int
	MaxStagnantIterations  int
	MaxIdenticalPlans      int
	MaxCostWithoutProgress float64
}

// DefaultConfig matches the thresholds the teacher's orchestrator
// exposes as configurable loop limits, generalized to this kernel's
// futility-specific fields.
var DefaultConfig = Config{
	MaxRepeatedErrors:      3,
	MaxStagnantIterations:  3,
	MaxIdenticalPlans:      3,
	MaxCostWithoutProgress: 1.0,
}

// Monitor tracks the rolling state the detection rules need.
type Monitor struct {
	mu sync.Mutex
	cfg Config

	lastErrorCode     string
	repeatedErrors    int
	successBaseline   int
	stagnantIters     int
	lastFingerprint   string
	identicalPlans    int
	costAtLastProgress float64
}

// New returns a Monitor configured with cfg.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Fingerprint hashes a plan's goal and steps (tool + input + deps),
// ignoring plan_id/created_at so that semantically identical replans
// are recognized as identical.
func Fingerprint(plan types.Plan) string {
	type stepKey struct {
		Tool      string            `json:"tool"`
		Input     map[string]any    `json:"input"`
		DependsOn []string          `json:"depends_on"`
		InputFrom map[string]string `json:"input_from"`
	}
	keys := make([]stepKey, len(plan.Steps))
	for i, s := range plan.Steps {
		deps := append([]string(nil), s.DependsOn...)
		sort.Strings(deps)
		keys[i] = stepKey{Tool: s.ToolRef.Name, Input: s.Input, DependsOn: deps, InputFrom: s.InputFrom}
	}
	payload, _ := json.Marshal(struct {
		Goal  string    `json:"goal"`
		Steps []stepKey `json:"steps"`
	}{Goal: plan.Goal, Steps: keys})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Result reports a detected futility condition, if any.
type Result struct {
	Detected bool
	Reason   string
}

// Observe folds one agentic iteration's outcome into the monitor's
// state and returns whether futility should now stop the session.
// lastErrorCode is empty when the iteration had no step failures.
func (m *Monitor) Observe(plan types.Plan, successCount int, totalCostUSD float64, lastErrorCode string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lastErrorCode != "" {
		if lastErrorCode == m.lastErrorCode {
			m.repeatedErrors++
		} else {
			m.lastErrorCode = lastErrorCode
			m.repeatedErrors = 1
		}
		if m.cfg.MaxRepeatedErrors > 0 && m.repeatedErrors >= m.cfg.MaxRepeatedErrors {
			return Result{Detected: true, Reason: "repeated error code " + lastErrorCode}
		}
	} else {
		m.lastErrorCode = ""
		m.repeatedErrors = 0
	}

	madeProgress := successCount > m.successBaseline
	if madeProgress {
		m.successBaseline = successCount
		m.stagnantIters = 0
		m.costAtLastProgress = totalCostUSD
	} else {
		m.stagnantIters++
		if m.cfg.MaxStagnantIterations > 0 && m.stagnantIters >= m.cfg.MaxStagnantIterations {
			return Result{Detected: true, Reason: "no new succeeded step for too many iterations"}
		}
	}

	fp := Fingerprint(plan)
	if fp == m.lastFingerprint {
		m.identicalPlans++
	} else {
		m.lastFingerprint = fp
		m.identicalPlans = 1
	}
	if m.cfg.MaxIdenticalPlans > 0 && m.identicalPlans >= m.cfg.MaxIdenticalPlans {
		return Result{Detected: true, Reason: "identical plan accepted repeatedly"}
	}

	if !madeProgress && m.cfg.MaxCostWithoutProgress > 0 {
		growth := totalCostUSD - m.costAtLastProgress
		if growth >= m.cfg.MaxCostWithoutProgress {
			return Result{Detected: true, Reason: "cost grew without new succeeded steps"}
		}
	}

	return Result{}
}
