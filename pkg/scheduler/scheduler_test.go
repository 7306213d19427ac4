package scheduler //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"testing"
	"time"

	"swarm/pkg/protocol"
)

func healthyAgent(id string, cap protocol.Capability, capacity int) protocol.AgentMetrics {
	return protocol.AgentMetrics{
		ID:           id,
		Capability:   cap,
		CPUUsage:     0.2,
		MemoryUsage:  0.2,
		ResponseTime: 100 * time.Millisecond,
		ErrorRate:    0.01,
		Throughput:   30,
		Capacity:     capacity,
		Status:       protocol.AgentHealthy,
	}
}

func computeTask(id string) protocol.TaskRequest {
	return protocol.TaskRequest{
		ID:               id,
		Capability:       protocol.CapabilityCompute,
		Priority:         protocol.PriorityMedium,
		ExpectedDuration: time.Minute,
		CPURequired:      0.1,
		MemoryRequired:   0.1,
	}
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	return New(cfg, nil, nil)
}

func TestAllocateMatchesCapabilityAndHealth(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	wrongCap := healthyAgent("a-storage", protocol.CapabilityStorage, 10)
	degraded := healthyAgent("a-degraded", protocol.CapabilityCompute, 10)
	degraded.Status = protocol.AgentDegraded
	good := healthyAgent("a-good", protocol.CapabilityCompute, 10)

	for _, a := range []protocol.AgentMetrics{wrongCap, degraded, good} {
		if err := s.RegisterAgent(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}

	alloc, err := s.AllocateTask(ctx, computeTask("t1"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.AgentID != "a-good" {
		t.Errorf("allocated to %s, want a-good", alloc.AgentID)
	}
}

func TestAllocateNoEligibleAgent(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	full := healthyAgent("a-full", protocol.CapabilityCompute, 10)
	full.CurrentLoad = 9 // at the 0.9 ceiling
	if err := s.RegisterAgent(ctx, full); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := s.AllocateTask(ctx, computeTask("t1"))
	var notFound *protocol.NoEligibleAgentError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NoEligibleAgentError, got %v", err)
	}
	if notFound.Candidates != 1 {
		t.Errorf("Candidates = %d, want 1", notFound.Candidates)
	}
}

func TestLoadConservation(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	a := healthyAgent("a1", protocol.CapabilityCompute, 10)
	a.CurrentLoad = 2
	if err := s.RegisterAgent(ctx, a); err != nil {
		t.Fatalf("register: %v", err)
	}

	taskIDs := []string{"t1", "t2", "t3"}
	for _, id := range taskIDs {
		if _, err := s.AllocateTask(ctx, computeTask(id)); err != nil {
			t.Fatalf("allocate %s: %v", id, err)
		}
	}
	got, _ := s.Agent("a1")
	if got.CurrentLoad != 5 {
		t.Errorf("load after 3 allocations = %d, want 5", got.CurrentLoad)
	}

	for _, id := range taskIDs {
		if err := s.CompleteTask(ctx, id, true, 0.9); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	got, _ = s.Agent("a1")
	if got.CurrentLoad != 2 {
		t.Errorf("load after completing all = %d, want baseline 2", got.CurrentLoad)
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	s := newTestScheduler(t, Config{})

	err := s.CompleteTask(context.Background(), "nope", true, 1)
	var nf *protocol.AllocationNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want AllocationNotFoundError, got %v", err)
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	ctx := context.Background()
	task := computeTask("t-critical")
	task.Priority = protocol.PriorityCritical

	// Two identical agents: allocation must always pick the lowest id,
	// regardless of map iteration order. Run repeatedly to shake out
	// ordering flakes.
	for i := 0; i < 20; i++ {
		s := newTestScheduler(t, Config{})
		if err := s.RegisterAgent(ctx, healthyAgent("agent-b", protocol.CapabilityCompute, 10)); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := s.RegisterAgent(ctx, healthyAgent("agent-a", protocol.CapabilityCompute, 10)); err != nil {
			t.Fatalf("register: %v", err)
		}

		alloc, err := s.AllocateTask(ctx, task)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if alloc.AgentID != "agent-a" {
			t.Fatalf("run %d: allocated to %s, want agent-a (lowest id)", i, alloc.AgentID)
		}
	}
}

func TestDuplicateAllocationRejected(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()
	if err := s.RegisterAgent(ctx, healthyAgent("a1", protocol.CapabilityCompute, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.AllocateTask(ctx, computeTask("t1")); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := s.AllocateTask(ctx, computeTask("t1")); err == nil {
		t.Fatal("second allocate of same task succeeded, want error")
	}
}

func TestHeartbeatMergesPartialUpdate(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()
	if err := s.RegisterAgent(ctx, healthyAgent("a1", protocol.CapabilityCompute, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}

	cpu := 0.75
	load := 4
	if err := s.UpdateAgentMetrics("a1", Heartbeat{CPUUsage: &cpu, CurrentLoad: &load}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.Agent("a1")
	if got.CPUUsage != 0.75 {
		t.Errorf("CPUUsage = %v, want 0.75", got.CPUUsage)
	}
	if got.CurrentLoad != 4 {
		t.Errorf("CurrentLoad = %v, want 4 (absolute overwrite)", got.CurrentLoad)
	}
	if got.MemoryUsage != 0.2 {
		t.Errorf("MemoryUsage = %v, want unchanged 0.2", got.MemoryUsage)
	}
}

func TestSweepMarksStaleAgentsOffline(t *testing.T) {
	s := newTestScheduler(t, Config{StaleAfter: 60 * time.Second})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	if err := s.RegisterAgent(ctx, healthyAgent("a1", protocol.CapabilityCompute, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	s.Sweep(ctx)

	got, _ := s.Agent("a1")
	if got.Status != protocol.AgentOffline {
		t.Fatalf("status = %s, want offline", got.Status)
	}

	// Offline agents are excluded from allocation.
	if _, err := s.AllocateTask(ctx, computeTask("t1")); err == nil {
		t.Fatal("allocate succeeded against an offline agent")
	}

	// A fresh heartbeat revives the agent on the next sweep.
	if err := s.UpdateAgentMetrics("a1", Heartbeat{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	s.Sweep(ctx)
	got, _ = s.Agent("a1")
	if got.Status != protocol.AgentHealthy {
		t.Errorf("status after revival = %s, want healthy", got.Status)
	}
}

func TestSweepTimesOutAbandonedAllocation(t *testing.T) {
	s := newTestScheduler(t, Config{CompletionGrace: 30 * time.Second})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	if err := s.RegisterAgent(ctx, healthyAgent("a1", protocol.CapabilityCompute, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := computeTask("t1")
	task.ExpectedDuration = time.Minute
	if _, err := s.AllocateTask(ctx, task); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Keep the agent's heartbeat fresh so only the allocation times out.
	s.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	if err := s.UpdateAgentMetrics("a1", Heartbeat{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	s.Sweep(ctx)

	got, _ := s.Agent("a1")
	if got.CurrentLoad != 0 {
		t.Errorf("load after timeout = %d, want 0", got.CurrentLoad)
	}
	if err := s.CompleteTask(ctx, "t1", true, 1); err == nil {
		t.Error("completing a timed-out task succeeded, want AllocationNotFoundError")
	}

	var sawTimeout bool
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == protocol.EventTaskTimeout && ev.TaskID == "t1" {
				sawTimeout = true
			}
			continue
		default:
		}
		break
	}
	if !sawTimeout {
		t.Error("no task.timeout event emitted")
	}
}

func TestGeneralAgentsAcceptAnyCapability(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()
	if err := s.RegisterAgent(ctx, healthyAgent("gen", protocol.CapabilityGeneral, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}

	task := computeTask("t1")
	task.Capability = protocol.CapabilityAnalysis
	alloc, err := s.AllocateTask(ctx, task)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.AgentID != "gen" {
		t.Errorf("allocated to %s, want gen", alloc.AgentID)
	}
}
