package arbiter //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swarm/pkg/protocol"
)

// --- test fixtures ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestArbiter(clock *fakeClock) *Arbiter {
	a := New(Config{}, nil, nil)
	a.nowFunc = clock.Now
	return a
}

func priorityDecision(id, agent string, priority int, taskID string, impact protocol.ImpactVector) protocol.DecisionRequest {
	return protocol.DecisionRequest{
		ID:       id,
		AgentID:  agent,
		Type:     protocol.DecisionTaskPriority,
		Priority: priority,
		Proposal: protocol.Proposal{TaskID: taskID, TargetPriority: priority},
		Impact:   impact,
	}
}

// --- submission flows ---

func TestUncontestedDecisionExecutes(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	executed := 0
	a.SetExecutor(protocol.DecisionCacheInvalidation, ExecutorFunc(func(context.Context, protocol.DecisionRequest) error {
		executed++
		return nil
	}))

	res, err := a.SubmitDecision(context.Background(), protocol.DecisionRequest{
		ID: "d1", AgentID: "a1", Type: protocol.DecisionCacheInvalidation, Priority: 5,
		Proposal: protocol.Proposal{CacheKeys: []string{"users:1"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != protocol.OutcomeAccept || res.Strategy != StrategyUncontested {
		t.Errorf("resolution = %s/%s, want accept/uncontested", res.Outcome, res.Strategy)
	}
	if executed != 1 {
		t.Errorf("executor ran %d times, want 1", executed)
	}
}

func TestInvalidDecisionRejected(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	_, err := a.SubmitDecision(context.Background(), protocol.DecisionRequest{
		ID: "d1", AgentID: "a1", Type: protocol.DecisionTaskPriority, Priority: 0,
	})
	if err == nil {
		t.Fatal("out-of-range priority accepted")
	}
}

func TestPriorityStageResolvesDecisiveGap(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	if _, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-weak", AgentID: "a1", Type: protocol.DecisionResourceAllocation, Priority: 2,
		Proposal: protocol.Proposal{ResourceID: "gpu-0", Amount: 0.5},
	}); err != nil {
		t.Fatalf("submit weak: %v", err)
	}

	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-strong", AgentID: "a2", Type: protocol.DecisionResourceAllocation, Priority: 10,
		Proposal: protocol.Proposal{ResourceID: "gpu-0", Amount: 0.8},
	})
	if err != nil {
		t.Fatalf("submit strong: %v", err)
	}
	if res.Strategy != StrategyPriority {
		t.Fatalf("strategy = %s, want priority", res.Strategy)
	}
	if res.Outcome != protocol.OutcomeAccept || res.Selected == nil || res.Selected.ID != "d-strong" {
		t.Errorf("resolution = %+v, want d-strong accepted", res)
	}
	if res.Confidence <= 0.8 {
		t.Errorf("confidence = %v, want > 0.8", res.Confidence)
	}
}

// Three agents push conflicting priorities for one task. The two close
// proposals support each other; the outlier finds no support and the
// consensus stage resolves for the close pair's leader.
func TestConsensusResolvesCloseGroupOverOutlier(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	d9 := priorityDecision("d-nine", "a1", 9, "task-42",
		protocol.ImpactVector{Performance: 0.6, UserExperience: 0.3})
	d2 := priorityDecision("d-two", "a2", 2, "task-42",
		protocol.ImpactVector{Performance: -0.6, Resource: 0.7, UserExperience: -0.5})
	d8 := priorityDecision("d-eight", "a3", 8, "task-42",
		protocol.ImpactVector{Performance: 0.5, Resource: 0.1, UserExperience: 0.2})

	if _, err := a.SubmitDecision(ctx, d9); err != nil {
		t.Fatalf("submit d9: %v", err)
	}
	if _, err := a.SubmitDecision(ctx, d2); err != nil {
		t.Fatalf("submit d2: %v", err)
	}
	res, err := a.SubmitDecision(ctx, d8)
	if err != nil {
		t.Fatalf("submit d8: %v", err)
	}

	if res.Strategy != StrategyConsensus {
		t.Fatalf("strategy = %s, want consensus", res.Strategy)
	}
	if res.Outcome != protocol.OutcomeAccept || res.Selected == nil || res.Selected.ID != "d-nine" {
		t.Errorf("selected = %+v, want the close pair's leader d-nine", res.Selected)
	}
	if len(res.DecisionIDs) != 3 {
		t.Errorf("resolution covers %d decisions, want 3", len(res.DecisionIDs))
	}
	if res.Confidence < 0.7 {
		t.Errorf("confidence = %v, want >= consensus threshold", res.Confidence)
	}
}

func TestMergeUnionsCacheInvalidations(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	// Dissimilar enough that neither priority margin nor consensus
	// resolves, but the same type makes the pair mergeable.
	if _, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-a", AgentID: "a1", Type: protocol.DecisionCacheInvalidation, Priority: 7,
		Proposal: protocol.Proposal{CacheKeys: []string{"users:1", "users:2"}},
		Impact:   protocol.ImpactVector{Performance: -1, Resource: -1, Security: -1, UserExperience: -1},
	}); err != nil {
		t.Fatalf("submit d-a: %v", err)
	}
	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-b", AgentID: "a2", Type: protocol.DecisionCacheInvalidation, Priority: 5,
		Proposal: protocol.Proposal{CacheKeys: []string{"users:2", "orders:9"}},
		Impact:   protocol.ImpactVector{Performance: 1, Resource: 1, Security: 1, UserExperience: 1},
	})
	if err != nil {
		t.Fatalf("submit d-b: %v", err)
	}

	if res.Outcome != protocol.OutcomeMerge || res.Strategy != StrategyMerge {
		t.Fatalf("resolution = %s/%s, want merge/merge", res.Outcome, res.Strategy)
	}
	if res.Selected == nil {
		t.Fatal("merged decision missing")
	}
	wantKeys := []string{"orders:9", "users:1", "users:2"}
	gotKeys := res.Selected.Proposal.CacheKeys
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("merged keys = %v, want %v", gotKeys, wantKeys)
	}
	for i, k := range wantKeys {
		if gotKeys[i] != k {
			t.Errorf("merged key [%d] = %q, want %q", i, gotKeys[i], k)
		}
	}
	if res.Selected.Priority != 7 {
		t.Errorf("merged priority = %d, want the higher input 7", res.Selected.Priority)
	}
}

func TestWeightedFallbackResolvesCrossTypeConflict(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	// Performance-positive allocation vs security-negative rate change:
	// a cross-type tradeoff conflict no earlier stage can settle.
	if _, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-alloc", AgentID: "a1", Type: protocol.DecisionResourceAllocation, Priority: 5,
		Proposal: protocol.Proposal{ResourceID: "pool-a", Amount: 0.3},
		Impact:   protocol.ImpactVector{Performance: 0.8, UserExperience: 0.2},
	}); err != nil {
		t.Fatalf("submit d-alloc: %v", err)
	}
	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-rate", AgentID: "a2", Type: protocol.DecisionRateLimiting, Priority: 5,
		Proposal: protocol.Proposal{Target: "api", RateLimit: 100},
		Impact:   protocol.ImpactVector{Performance: 0.3, Security: -0.6},
	})
	if err != nil {
		t.Fatalf("submit d-rate: %v", err)
	}

	if res.Strategy != StrategyWeighted {
		t.Fatalf("strategy = %s, want weighted", res.Strategy)
	}
	if res.Outcome != protocol.OutcomeAccept || res.Selected == nil || res.Selected.ID != "d-alloc" {
		t.Errorf("selected = %+v, want the benefit-heavy d-alloc", res.Selected)
	}
}

func TestWeightedExactTieDefers(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	if _, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-x", AgentID: "a1", Type: protocol.DecisionResourceAllocation, Priority: 5,
		Proposal: protocol.Proposal{ResourceID: "pool-a", Amount: 0.3},
		Impact:   protocol.ImpactVector{Resource: 0.8, Security: -0.8},
	}); err != nil {
		t.Fatalf("submit d-x: %v", err)
	}
	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-y", AgentID: "a2", Type: protocol.DecisionRateLimiting, Priority: 5,
		Proposal: protocol.Proposal{Target: "api", RateLimit: 50},
		Impact:   protocol.ImpactVector{Resource: -0.8, Security: 0.8},
	})
	if err != nil {
		t.Fatalf("submit d-y: %v", err)
	}

	if res.Outcome != protocol.OutcomeDefer {
		t.Fatalf("outcome = %s, want defer on an exact weighted tie", res.Outcome)
	}
	if res.Selected != nil {
		t.Errorf("deferred resolution selected %q, want none", res.Selected.ID)
	}
}

func TestExecutorErrorsAndPanicsAreCaptured(t *testing.T) {
	a := newTestArbiter(newFakeClock())
	ctx := context.Background()

	a.SetExecutor(protocol.DecisionRateLimiting, ExecutorFunc(func(context.Context, protocol.DecisionRequest) error {
		return errors.New("limiter unreachable")
	}))
	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-err", AgentID: "a1", Type: protocol.DecisionRateLimiting, Priority: 5,
		Proposal: protocol.Proposal{Target: "api", RateLimit: 10},
	})
	var exErr *ExecutionError
	if !errors.As(err, &exErr) {
		t.Fatalf("got %v, want ExecutionError", err)
	}
	if res == nil || res.Outcome != protocol.OutcomeAccept {
		t.Error("arbitration result missing despite executor failure")
	}

	a.SetExecutor(protocol.DecisionSecurityAction, ExecutorFunc(func(context.Context, protocol.DecisionRequest) error {
		panic("handler bug")
	}))
	_, err = a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-panic", AgentID: "a1", Type: protocol.DecisionSecurityAction, Priority: 5,
		Proposal: protocol.Proposal{Action: "block", Target: "10.0.0.9"},
	})
	if !errors.As(err, &exErr) {
		t.Fatalf("panic surfaced as %v, want ExecutionError", err)
	}
}

func TestConflictWindowExpiresPendingDecisions(t *testing.T) {
	clock := newFakeClock()
	a := newTestArbiter(clock)
	ctx := context.Background()

	if _, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-old", AgentID: "a1", Type: protocol.DecisionResourceAllocation, Priority: 5,
		Proposal: protocol.Proposal{ResourceID: "gpu-0", Amount: 0.5},
	}); err != nil {
		t.Fatalf("submit old: %v", err)
	}

	clock.Advance(2 * time.Minute)
	res, err := a.SubmitDecision(ctx, protocol.DecisionRequest{
		ID: "d-new", AgentID: "a2", Type: protocol.DecisionResourceAllocation, Priority: 5,
		Proposal: protocol.Proposal{ResourceID: "gpu-0", Amount: 0.5},
	})
	if err != nil {
		t.Fatalf("submit new: %v", err)
	}
	if res.Strategy != StrategyUncontested {
		t.Errorf("strategy = %s, want uncontested once the window lapsed", res.Strategy)
	}
	if got := len(a.Pending()); got != 1 {
		t.Errorf("pending size = %d, want 1 after pruning", got)
	}
}
