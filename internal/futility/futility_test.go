package futility

import (
	"testing"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func TestFingerprintStableAcrossPlanIDAndCreatedAt(t *testing.T) {
	p1 := types.Plan{PlanID: "a", Goal: "g", Steps: []types.Step{{StepID: "s1", ToolRef: types.ToolRef{Name: "t"}}}}
	p2 := p1
	p2.PlanID = "b"
	if Fingerprint(p1) != Fingerprint(p2) {
		t.Fatal("expected fingerprint to ignore plan_id")
	}
}

func TestFingerprintDiffersOnDifferentSteps(t *testing.T) {
	p1 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "a"}}}}
	p2 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "b"}}}}
	if Fingerprint(p1) == Fingerprint(p2) {
		t.Fatal("expected different fingerprints for different tools")
	}
}

func TestObserveDetectsRepeatedErrors(t *testing.T) {
	m := New(Config{MaxRepeatedErrors: 2, MaxIdenticalPlans: 100, MaxStagnantIterations: 100})
	plan := types.Plan{Goal: "g"}

	r := m.Observe(plan, 0, 0, "TOOL_FAILED")
	if r.Detected {
		t.Fatal("expected not-yet-detected on first occurrence")
	}
	r = m.Observe(plan, 0, 0, "TOOL_FAILED")
	if !r.Detected {
		t.Fatal("expected futility detected on second repeated error")
	}
}

func TestObserveDetectsStagnation(t *testing.T) {
	m := New(Config{MaxStagnantIterations: 2, MaxRepeatedErrors: 100, MaxIdenticalPlans: 100})
	plan1 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "a"}}}}
	plan2 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "b"}}}}

	m.Observe(plan1, 1, 0, "")
	r := m.Observe(plan2, 1, 0, "")
	if r.Detected {
		t.Fatal("expected not-yet-detected after only 1 stagnant iteration")
	}
	r = m.Observe(plan1, 1, 0, "")
	if !r.Detected {
		t.Fatal("expected futility detected on stagnation threshold")
	}
}

func TestObserveDetectsIdenticalPlans(t *testing.T) {
	m := New(Config{MaxIdenticalPlans: 2, MaxRepeatedErrors: 100, MaxStagnantIterations: 100})
	plan := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "a"}}}}

	m.Observe(plan, 1, 0, "")
	r := m.Observe(plan, 2, 0, "")
	if !r.Detected {
		t.Fatal("expected futility detected on identical plan repeated")
	}
}

func TestObserveDetectsCostWithoutProgress(t *testing.T) {
	m := New(Config{MaxCostWithoutProgress: 1.0, MaxRepeatedErrors: 100, MaxIdenticalPlans: 100, MaxStagnantIterations: 100})
	plan1 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "a"}}}}
	plan2 := types.Plan{Goal: "g", Steps: []types.Step{{ToolRef: types.ToolRef{Name: "b"}}}}

	m.Observe(plan1, 1, 0.1, "")
	r := m.Observe(plan2, 1, 1.2, "")
	if !r.Detected {
		t.Fatal("expected futility detected on cost growth without progress")
	}
}
