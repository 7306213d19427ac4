package fault //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swarm/pkg/breaker"
	"swarm/pkg/health"
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

// fakeStatus serves scripted health statuses.
type fakeStatus struct {
	statuses map[string]protocol.HealthStatus
	fraction float64
}

func (s *fakeStatus) Status(name string) (protocol.HealthStatus, error) {
	st, ok := s.statuses[name]
	if !ok {
		return protocol.HealthStatus{}, &protocol.CheckNotFoundError{Name: name}
	}
	return st, nil
}

func (s *fakeStatus) HealthyFraction() float64 { return s.fraction }

// countingRunner records runs and rollbacks and fails on demand.
type countingRunner struct {
	mu           sync.Mutex
	runs         int
	rollbacks    int
	failRun      bool
	failRollback bool
	needRollback bool
}

func (r *countingRunner) Run(context.Context, protocol.FaultAction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.failRun {
		return r.needRollback, errors.New("remediation failed")
	}
	return false, nil
}

func (r *countingRunner) Rollback(context.Context, protocol.FaultAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks++
	if r.failRollback {
		return errors.New("rollback failed")
	}
	return nil
}

func (r *countingRunner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.rollbacks
}

func unhealthyTransition(check string) health.Transition {
	return health.Transition{
		Check: check,
		From:  protocol.HealthDegraded,
		To:    protocol.HealthUnhealthy,
	}
}

func newTestManager(clock *fakeClock, status StatusSource, bank *breaker.Bank) *Manager {
	m := New(Config{}, status, bank, nil, nil)
	m.nowFunc = clock.Now
	return m
}

func drainEvents(m *Manager) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// --- tests ---

func TestCooldownSuppressesRepeatExecution(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{statuses: map[string]protocol.HealthStatus{
		"db": {State: protocol.HealthUnhealthy, ConsecutiveFailures: 5},
	}, fraction: 0.5}
	m := newTestManager(clock, status, nil)

	runner := &countingRunner{}
	m.SetRunner(protocol.ActionRestart, runner)
	if err := m.AddAction(protocol.FaultAction{
		Name:     "restart-db",
		Type:     protocol.ActionRestart,
		Triggers: []string{"db"},
		Cooldown: 5 * time.Minute,
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}
	ctx := context.Background()

	m.HandleTransition(ctx, unhealthyTransition("db"))
	clock.Advance(time.Minute)
	m.HandleTransition(ctx, unhealthyTransition("db"))
	clock.Advance(3 * time.Minute)
	m.HandleTransition(ctx, unhealthyTransition("db"))

	if runs, _ := runner.counts(); runs != 1 {
		t.Fatalf("runner executed %d times inside the cooldown, want 1", runs)
	}

	clock.Advance(2 * time.Minute) // past t0+5m
	m.HandleTransition(ctx, unhealthyTransition("db"))
	if runs, _ := runner.counts(); runs != 2 {
		t.Errorf("runner executed %d times after cooldown elapsed, want 2", runs)
	}
}

func TestThresholdGatesExecution(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{statuses: map[string]protocol.HealthStatus{
		"api": {State: protocol.HealthDegraded, ConsecutiveFailures: 1},
	}, fraction: 1}
	m := newTestManager(clock, status, nil)

	runner := &countingRunner{}
	m.SetRunner(protocol.ActionFailover, runner)
	if err := m.AddAction(protocol.FaultAction{
		Name:      "failover-api",
		Type:      protocol.ActionFailover,
		Triggers:  []string{"api"},
		Threshold: 3,
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}
	ctx := context.Background()

	m.HandleTransition(ctx, health.Transition{Check: "api", From: protocol.HealthHealthy, To: protocol.HealthDegraded})
	if runs, _ := runner.counts(); runs != 0 {
		t.Fatalf("runner executed below threshold, runs = %d", runs)
	}

	status.statuses["api"] = protocol.HealthStatus{State: protocol.HealthUnhealthy, ConsecutiveFailures: 3}
	m.HandleTransition(ctx, unhealthyTransition("api"))
	if runs, _ := runner.counts(); runs != 1 {
		t.Errorf("runner executed %d times at threshold, want 1", runs)
	}
}

func TestFailedActionRollsBack(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{statuses: map[string]protocol.HealthStatus{
		"cache": {State: protocol.HealthUnhealthy, ConsecutiveFailures: 4},
	}, fraction: 0.5}
	m := newTestManager(clock, status, nil)

	runner := &countingRunner{failRun: true, needRollback: true}
	m.SetRunner(protocol.ActionScaleUp, runner)
	if err := m.AddAction(protocol.FaultAction{
		Name: "scale-cache", Type: protocol.ActionScaleUp, Triggers: []string{"cache"},
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}

	m.HandleTransition(context.Background(), unhealthyTransition("cache"))

	runs, rollbacks := runner.counts()
	if runs != 1 || rollbacks != 1 {
		t.Fatalf("runs/rollbacks = %d/%d, want 1/1", runs, rollbacks)
	}
	actions := m.RecentActions()
	if len(actions) != 1 {
		t.Fatalf("recorded %d recovery actions, want 1", len(actions))
	}
	rec := actions[0]
	if rec.Success || !rec.RollbackRequired || !rec.RolledBack {
		t.Errorf("record = %+v, want failed, rollback required and performed", rec)
	}

	var sawRolledBack bool
	for _, ev := range drainEvents(m) {
		if ev.Type == protocol.EventFaultRolledBack {
			sawRolledBack = true
		}
	}
	if !sawRolledBack {
		t.Error("no rollback event emitted")
	}
}

func TestRollbackFailureEscalates(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{statuses: map[string]protocol.HealthStatus{
		"queue": {State: protocol.HealthUnhealthy, ConsecutiveFailures: 4},
	}, fraction: 0.5}
	m := newTestManager(clock, status, nil)

	runner := &countingRunner{failRun: true, needRollback: true, failRollback: true}
	m.SetRunner(protocol.ActionFailover, runner)
	if err := m.AddAction(protocol.FaultAction{
		Name: "failover-queue", Type: protocol.ActionFailover, Triggers: []string{"queue"},
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}

	m.HandleTransition(context.Background(), unhealthyTransition("queue"))

	var sawEscalation bool
	for _, ev := range drainEvents(m) {
		if ev.Type == protocol.EventRollbackFailed {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Error("rollback failure did not emit an escalation event")
	}
	if rec := m.RecentActions()[0]; rec.RolledBack {
		t.Error("record claims rollback succeeded")
	}
}

func TestBreakerOpenTriggersActionAndCircuitBreakRunnerTrips(t *testing.T) {
	clock := newFakeClock()
	bank := breaker.NewBank(breaker.Config{})
	m := newTestManager(clock, nil, bank)

	if err := m.AddAction(protocol.FaultAction{
		Name:     "isolate-upstream",
		Type:     protocol.ActionCircuitBreak,
		Triggers: []string{"breaker:kafka"},
		Target:   "upstream-api",
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}

	m.HandleBreakerChange(context.Background(), breaker.StateChange{
		Service: "kafka", From: breaker.StateClosed, To: breaker.StateOpen, At: clock.Now(),
	})

	if got := bank.Get("upstream-api").State(); got != breaker.StateOpen {
		t.Errorf("target breaker state = %s, want open after circuit-break action", got)
	}
	actions := m.RecentActions()
	if len(actions) != 1 || !actions[0].Success {
		t.Errorf("recovery records = %+v, want one successful execution", actions)
	}
}

func TestResilienceWarningBelowFloor(t *testing.T) {
	clock := newFakeClock()
	bank := breaker.NewBank(breaker.Config{})
	bank.Get("dead-service").Trip()
	status := &fakeStatus{fraction: 0.5}
	m := newTestManager(clock, status, bank)

	res := m.CheckResilience(context.Background())
	// 0.4*0.5 health + 0.3*1.0 recovery + 0.3*0 breakers = 0.5
	if res.Score >= 0.8 {
		t.Fatalf("score = %v, want below the 0.8 floor", res.Score)
	}
	var warned bool
	for _, ev := range drainEvents(m) {
		if ev.Type == protocol.EventResilienceWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("no resilience warning emitted")
	}
}

func TestHealthyTransitionDoesNotTrigger(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil, nil)
	runner := &countingRunner{}
	m.SetRunner(protocol.ActionRestart, runner)
	if err := m.AddAction(protocol.FaultAction{
		Name: "restart-db", Type: protocol.ActionRestart, Triggers: []string{"db"},
	}); err != nil {
		t.Fatalf("add action: %v", err)
	}

	m.HandleTransition(context.Background(), health.Transition{
		Check: "db", From: protocol.HealthUnhealthy, To: protocol.HealthHealthy,
	})
	if runs, _ := runner.counts(); runs != 0 {
		t.Errorf("recovery transition executed %d actions, want 0", runs)
	}
}
