// Package scheduler implements the agent registry and task allocator. It
// keeps live metrics per worker agent, scores eligible agents per incoming
// task, reserves load on the winner and releases it on completion. A
// periodic sweep marks stale agents offline and times out abandoned
// allocations.
//
// Allocation never blocks: it is pure CPU work over the in-memory agent
// table. SQLite persistence and event emission happen after the table lock
// is released.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"swarm/pkg/protocol"
)

// Config holds scheduler tuning. Zero values resolve to defaults.
type Config struct {
	Strategy Strategy

	// Predictive strategy blend. The 70/30 split is a tunable default,
	// not a calibrated constant.
	ScoreWeight      float64
	PredictionWeight float64

	StaleAfter          time.Duration // heartbeat age before an agent goes offline (default 60s)
	SweepInterval       time.Duration // periodic sweep cadence (default 15s)
	CompletionGrace     time.Duration // slack past estimated completion before timeout (default 30s)
	HistoryWindow       time.Duration // rolling window for the history score (default 24h)
	ResponseTimeCeiling time.Duration // response time that scores zero (default 2s)
	ThroughputCeiling   float64       // tasks/min that scores full marks (default 60)
	DefaultTaskDuration time.Duration // estimated duration when the task declares none (default 1m)
	LoadCeiling         float64       // projected load ratio above which an agent is ineligible (default 0.9)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Strategy == "" {
		out.Strategy = StrategyPredictive
	}
	if out.ScoreWeight == 0 && out.PredictionWeight == 0 {
		out.ScoreWeight = 0.7
		out.PredictionWeight = 0.3
	}
	if out.StaleAfter == 0 {
		out.StaleAfter = 60 * time.Second
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 15 * time.Second
	}
	if out.CompletionGrace == 0 {
		out.CompletionGrace = 30 * time.Second
	}
	if out.HistoryWindow == 0 {
		out.HistoryWindow = 24 * time.Hour
	}
	if out.ResponseTimeCeiling == 0 {
		out.ResponseTimeCeiling = 2 * time.Second
	}
	if out.ThroughputCeiling == 0 {
		out.ThroughputCeiling = 60
	}
	if out.DefaultTaskDuration == 0 {
		out.DefaultTaskDuration = time.Minute
	}
	if out.LoadCeiling == 0 {
		out.LoadCeiling = 0.9
	}
	return out
}

// historyEntry is one completed task outcome kept for the rolling history
// score. The SQLite task_history table mirrors these for audit; scoring
// reads only this in-memory ring so allocation stays CPU-bound.
type historyEntry struct {
	completedAt time.Time
	success     bool
	performance float64 // [0,1] as reported by the caller
}

// Heartbeat is a partial metrics update from an agent. Nil fields keep
// their current values; CurrentLoad is an absolute overwrite
// (last-write-wins per the shared-resource policy).
type Heartbeat struct {
	CPUUsage     *float64
	MemoryUsage  *float64
	ResponseTime *time.Duration
	ErrorRate    *float64
	Throughput   *float64
	CurrentLoad  *int
	Status       *protocol.AgentStatus
}

// Scheduler owns the agent table. All mutation goes through its methods;
// the table is never exposed by reference.
type Scheduler struct {
	cfg    Config
	db     *sql.DB // nil disables persistence
	logger *slog.Logger

	mu          sync.Mutex
	agents      map[string]*protocol.AgentMetrics
	allocations map[string]*protocol.AgentAllocation
	taskMeta    map[string]protocol.TaskRequest // task definitions for active allocations
	history     map[string][]historyEntry

	events chan protocol.Event

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Scheduler. db may be nil to disable persistence (tests).
func New(cfg Config, db *sql.DB, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		db:          db,
		logger:      logger,
		agents:      make(map[string]*protocol.AgentMetrics),
		allocations: make(map[string]*protocol.AgentAllocation),
		taskMeta:    make(map[string]protocol.TaskRequest),
		history:     make(map[string][]historyEntry),
		events:      make(chan protocol.Event, 128),
		nowFunc:     time.Now,
	}
}

// Events returns the allocation event channel. Events are dropped rather
// than blocking the scheduler when the consumer lags.
func (s *Scheduler) Events() <-chan protocol.Event { return s.events }

// RegisterAgent upserts an agent into the registry.
func (s *Scheduler) RegisterAgent(ctx context.Context, m protocol.AgentMetrics) error {
	if m.ID == "" {
		return fmt.Errorf("register agent: id is required")
	}
	if m.Capacity <= 0 {
		return fmt.Errorf("register agent %s: capacity must be positive", m.ID)
	}
	if m.Status == "" {
		m.Status = protocol.AgentHealthy
	}
	if m.LastHeartbeat.IsZero() {
		m.LastHeartbeat = s.nowFunc()
	}

	s.mu.Lock()
	_, existed := s.agents[m.ID]
	cp := m
	s.agents[m.ID] = &cp
	s.mu.Unlock()

	if !existed {
		s.emit(ctx, protocol.EventAgentRegistered, m.ID, "", fmt.Sprintf(`{"capability":%q}`, m.Capability))
	}
	return nil
}

// UpdateAgentMetrics merges a heartbeat into an agent's metrics. Unknown
// agents are ignored with an error so a crashed registry client notices.
func (s *Scheduler) UpdateAgentMetrics(id string, hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("update metrics: agent %s not registered", id)
	}
	if hb.CPUUsage != nil {
		a.CPUUsage = clamp01(*hb.CPUUsage)
	}
	if hb.MemoryUsage != nil {
		a.MemoryUsage = clamp01(*hb.MemoryUsage)
	}
	if hb.ResponseTime != nil {
		a.ResponseTime = *hb.ResponseTime
	}
	if hb.ErrorRate != nil {
		a.ErrorRate = clamp01(*hb.ErrorRate)
	}
	if hb.Throughput != nil {
		a.Throughput = *hb.Throughput
	}
	if hb.CurrentLoad != nil && *hb.CurrentLoad >= 0 {
		a.CurrentLoad = *hb.CurrentLoad
	}
	if hb.Status != nil {
		a.Status = *hb.Status
	}
	a.LastHeartbeat = s.nowFunc()
	return nil
}

// Agent returns a copy of one agent's metrics.
func (s *Scheduler) Agent(id string) (protocol.AgentMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return protocol.AgentMetrics{}, false
	}
	return *a, true
}

// Agents returns a snapshot of all registered agents.
func (s *Scheduler) Agents() []protocol.AgentMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AgentMetrics, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllocateTask assigns the task to the best-scoring eligible agent and
// reserves one unit of load on it. Absence of an eligible agent is a
// reported outcome (NoEligibleAgentError), never a panic.
func (s *Scheduler) AllocateTask(ctx context.Context, task protocol.TaskRequest) (*protocol.AgentAllocation, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("allocate: task id is required")
	}
	if !task.Priority.Valid() {
		task.Priority = protocol.PriorityMedium
	}
	now := s.nowFunc()

	s.mu.Lock()
	if _, dup := s.allocations[task.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("allocate: task %s already allocated", task.ID)
	}

	candidates, filtered := s.eligible(task)
	if len(candidates) == 0 {
		s.mu.Unlock()
		return nil, &protocol.NoEligibleAgentError{TaskID: task.ID, Capability: task.Capability, Candidates: filtered}
	}

	scored := make([]scoredAgent, 0, len(candidates))
	for _, a := range candidates {
		scored = append(scored, scoredAgent{
			agent: a,
			raw:   s.scoreAgent(a, task, now),
		})
	}
	winner := s.pick(scored)

	// Reserve load on the winner. Serialized by s.mu, so concurrent
	// allocations cannot race past the soft capacity unnoticed.
	winner.agent.CurrentLoad++

	duration := task.ExpectedDuration
	if duration <= 0 {
		duration = s.cfg.DefaultTaskDuration
	}
	alloc := &protocol.AgentAllocation{
		TaskID:              task.ID,
		AgentID:             winner.agent.ID,
		AllocatedAt:         now,
		EstimatedCompletion: now.Add(duration),
		Confidence:          winner.raw,
	}
	s.allocations[task.ID] = alloc
	s.taskMeta[task.ID] = task
	out := *alloc
	s.mu.Unlock()

	s.persistAllocation(ctx, out)
	s.emit(ctx, protocol.EventTaskAllocated, out.AgentID, out.TaskID,
		fmt.Sprintf(`{"confidence":%.1f,"priority":%q}`, out.Confidence, task.Priority))
	return &out, nil
}

// CompleteTask releases the reserved load and appends a history entry.
// performance is the caller-reported quality of the run in [0,1]. Failed
// tasks are not retried here; remediation belongs to the fault manager.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID string, success bool, performance float64) error {
	now := s.nowFunc()

	s.mu.Lock()
	alloc, ok := s.allocations[taskID]
	if !ok {
		s.mu.Unlock()
		return &protocol.AllocationNotFoundError{TaskID: taskID}
	}
	delete(s.allocations, taskID)
	delete(s.taskMeta, taskID)

	if a, live := s.agents[alloc.AgentID]; live && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	s.history[alloc.AgentID] = append(s.history[alloc.AgentID], historyEntry{
		completedAt: now,
		success:     success,
		performance: clamp01(performance),
	})
	agentID := alloc.AgentID
	s.mu.Unlock()

	s.persistCompletion(ctx, taskID, agentID, success, performance)
	evType := protocol.EventTaskCompleted
	if !success {
		evType = protocol.EventTaskFailed
	}
	s.emit(ctx, evType, agentID, taskID, fmt.Sprintf(`{"performance":%.2f}`, performance))
	return nil
}

// eligible returns agents passing the capability, health and load filters,
// plus the count of same-capability agents that were filtered out.
// Caller must hold s.mu.
func (s *Scheduler) eligible(task protocol.TaskRequest) ([]*protocol.AgentMetrics, int) {
	var out []*protocol.AgentMetrics
	filtered := 0
	for _, a := range s.agents {
		if a.Capability != task.Capability && a.Capability != protocol.CapabilityGeneral {
			continue
		}
		if a.Status != protocol.AgentHealthy {
			filtered++
			continue
		}
		if float64(a.CurrentLoad) >= s.cfg.LoadCeiling*float64(a.Capacity) {
			filtered++
			continue
		}
		out = append(out, a)
	}
	return out, filtered
}

// --- persistence (best-effort, outside the table lock) ---

func (s *Scheduler) persistAllocation(ctx context.Context, a protocol.AgentAllocation) {
	if s.db == nil {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allocations (task_id, agent_id, confidence, allocated_at, estimated_completion) VALUES (?, ?, ?, ?, ?)`,
		a.TaskID, a.AgentID, a.Confidence,
		a.AllocatedAt.UTC().Format(time.DateTime), a.EstimatedCompletion.UTC().Format(time.DateTime))
	if err != nil {
		s.logger.Warn("persist allocation", "task", a.TaskID, "err", err)
	}
}

func (s *Scheduler) persistCompletion(ctx context.Context, taskID, agentID string, success bool, performance float64) {
	if s.db == nil {
		return
	}
	status := "completed"
	if !success {
		status = "failed"
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE allocations SET status=?, completed_at=datetime('now') WHERE task_id=? AND status='active'`,
		status, taskID); err != nil {
		s.logger.Warn("update allocation", "task", taskID, "err", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (agent_id, task_id, success, performance) VALUES (?, ?, ?, ?)`,
		agentID, taskID, boolToInt(success), performance); err != nil {
		s.logger.Warn("persist history", "task", taskID, "err", err)
	}
}

func (s *Scheduler) emit(ctx context.Context, evType, agentID, taskID, payload string) {
	if s.db != nil {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO events (type, source, agent_id, task_id, payload) VALUES (?, 'scheduler', ?, ?, ?)`,
			evType, agentID, taskID, payload); err != nil {
			s.logger.Warn("log event", "type", evType, "err", err)
		}
	}
	ev := protocol.Event{Type: evType, Source: "scheduler", AgentID: agentID, TaskID: taskID, Payload: payload, CreatedAt: s.nowFunc()}
	select {
	case s.events <- ev:
	default:
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
