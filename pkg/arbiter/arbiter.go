// Package arbiter implements decision arbitration between independent
// agents. Submitted decisions are checked for conflicts against the
// recently seen set; conflicting groups run through a resolution pipeline
// (priority scoring, consensus voting, type-specific merge, weighted
// fallback) and the surviving decision is dispatched to an idempotent
// type-specific executor.
package arbiter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarm/pkg/protocol"
)

// Strategy names recorded on resolutions.
const (
	StrategyUncontested = "uncontested"
	StrategyPriority    = "priority"
	StrategyConsensus   = "consensus"
	StrategyMerge       = "merge"
	StrategyWeighted    = "weighted"
)

// Config holds arbitration tuning. Zero values resolve to defaults.
type Config struct {
	ConsensusThreshold float64 // supporting ratio to accept via consensus (default 0.7)
	SupportSimilarity  float64 // similarity above which a peer counts as supporting (default 0.7)
	OpposeSimilarity   float64 // similarity below which a peer counts as opposing (default 0.4)
	PriorityConfidence float64 // confidence required to resolve at the priority stage (default 0.8)
	ConflictWindow     time.Duration // how long resolved decisions stay visible for conflict checks (default 60s)
	ResourceCapacity   float64 // total capacity resource proposals share (default 1.0)
	ImpactTradeoff     float64 // perf/security tradeoff magnitude that conflicts across types (default 0.5)
	HighImpact         float64 // resource-impact magnitude considered "high" (default 0.7)

	// AgentWeights biases the priority composite per agent. Unlisted
	// agents get 0.5.
	AgentWeights map[string]float64
}

func (c Config) withDefaults() Config {
	out := c
	if out.ConsensusThreshold == 0 {
		out.ConsensusThreshold = 0.7
	}
	if out.SupportSimilarity == 0 {
		out.SupportSimilarity = 0.7
	}
	if out.OpposeSimilarity == 0 {
		out.OpposeSimilarity = 0.4
	}
	if out.PriorityConfidence == 0 {
		out.PriorityConfidence = 0.8
	}
	if out.ConflictWindow == 0 {
		out.ConflictWindow = 60 * time.Second
	}
	if out.ResourceCapacity == 0 {
		out.ResourceCapacity = 1.0
	}
	if out.ImpactTradeoff == 0 {
		out.ImpactTradeoff = 0.5
	}
	if out.HighImpact == 0 {
		out.HighImpact = 0.7
	}
	return out
}

// ExecutionError reports that the accepted decision's executor failed.
// The arbitration itself still completed; the resolution accompanies it.
type ExecutionError struct {
	DecisionID string
	Type       protocol.DecisionType
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s decision %s: %v", e.Type, e.DecisionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// pendingDecision is a decision retained for the conflict window so that
// closely spaced submissions still arbitrate against it.
type pendingDecision struct {
	decision protocol.DecisionRequest
	seenAt   time.Time
}

// Arbiter owns the pending-decision table and the executor registry.
type Arbiter struct {
	cfg    Config
	db     *sql.DB // nil disables persistence
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingDecision
	executors map[protocol.DecisionType]Executor

	events chan protocol.Event

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Arbiter with the default executors registered. db may be
// nil to disable persistence (tests).
func New(cfg Config, db *sql.DB, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Arbiter{
		cfg:       cfg.withDefaults(),
		db:        db,
		logger:    logger,
		pending:   make(map[string]*pendingDecision),
		executors: make(map[protocol.DecisionType]Executor),
		events:    make(chan protocol.Event, 64),
		nowFunc:   time.Now,
	}
	a.registerDefaultExecutors()
	return a
}

// Events returns the arbitration event channel. Events are dropped rather
// than blocking arbitration when the consumer lags.
func (a *Arbiter) Events() <-chan protocol.Event { return a.events }

// SetExecutor replaces the executor for a decision type.
func (a *Arbiter) SetExecutor(t protocol.DecisionType, ex Executor) {
	a.mu.Lock()
	a.executors[t] = ex
	a.mu.Unlock()
}

// SubmitDecision arbitrates d against the recently seen decisions. With
// no conflict d executes immediately; otherwise the conflicting group runs
// through the resolution pipeline and the winner (or merged decision)
// executes. Always terminates with one of accept/reject/merge/defer.
func (a *Arbiter) SubmitDecision(ctx context.Context, d protocol.DecisionRequest) (*protocol.ConflictResolution, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("submit decision: %w", err)
	}
	now := a.nowFunc()
	if d.SubmittedAt.IsZero() {
		d.SubmittedAt = now
	}

	a.mu.Lock()
	a.pruneLocked(now)
	conflicts := a.conflictsWithLocked(d)
	a.pending[d.ID] = &pendingDecision{decision: d, seenAt: now}
	a.mu.Unlock()

	if len(conflicts) == 0 {
		res := &protocol.ConflictResolution{
			ID:          uuid.NewString(),
			DecisionIDs: []string{d.ID},
			Outcome:     protocol.OutcomeAccept,
			Selected:    &d,
			Confidence:  1,
			Strategy:    StrategyUncontested,
			ResolvedAt:  now,
		}
		execErr := a.execute(ctx, d)
		a.persistResolution(ctx, res)
		return res, execErr
	}

	group := append(conflicts, d)
	a.emit(ctx, protocol.EventConflictDetected, d.AgentID, "",
		fmt.Sprintf(`{"decision":%q,"type":%q,"conflicts":%d}`, d.ID, d.Type, len(conflicts)))

	res := a.resolve(group, now)
	a.persistResolution(ctx, res)
	a.emit(ctx, protocol.EventConflictResolved, d.AgentID, "",
		fmt.Sprintf(`{"resolution":%q,"outcome":%q,"strategy":%q,"confidence":%.2f}`,
			res.ID, res.Outcome, res.Strategy, res.Confidence))

	var execErr error
	if res.Selected != nil {
		execErr = a.execute(ctx, *res.Selected)
	}
	return res, execErr
}

// Pending returns the ids of decisions currently inside the conflict
// window, for inspection.
func (a *Arbiter) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	return out
}

// pruneLocked drops decisions older than the conflict window.
// Caller must hold a.mu.
func (a *Arbiter) pruneLocked(now time.Time) {
	for id, p := range a.pending {
		if now.Sub(p.seenAt) > a.cfg.ConflictWindow {
			delete(a.pending, id)
		}
	}
}

// conflictsWithLocked returns the pending decisions d conflicts with.
// Caller must hold a.mu.
func (a *Arbiter) conflictsWithLocked(d protocol.DecisionRequest) []protocol.DecisionRequest {
	var out []protocol.DecisionRequest
	for _, p := range a.pending {
		if p.decision.ID == d.ID {
			continue
		}
		if a.conflicts(d, p.decision) {
			out = append(out, p.decision)
		}
	}
	return out
}

// --- persistence / events ---

func (a *Arbiter) persistResolution(ctx context.Context, res *protocol.ConflictResolution) {
	if a.db == nil {
		return
	}
	selectedID := ""
	if res.Selected != nil {
		selectedID = res.Selected.ID
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO conflict_resolutions (id, decision_ids, outcome, selected_id, confidence, strategy, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ID, strings.Join(res.DecisionIDs, ","), string(res.Outcome), selectedID,
		res.Confidence, res.Strategy, res.ResolvedAt.UTC().Format(time.DateTime))
	if err != nil {
		a.logger.Warn("persist resolution", "id", res.ID, "err", err)
	}
}

func (a *Arbiter) emit(ctx context.Context, evType, agentID, taskID, payload string) {
	if a.db != nil {
		if _, err := a.db.ExecContext(ctx,
			`INSERT INTO events (type, source, agent_id, task_id, payload) VALUES (?, 'arbiter', ?, ?, ?)`,
			evType, agentID, taskID, payload); err != nil {
			a.logger.Warn("log event", "type", evType, "err", err)
		}
	}
	ev := protocol.Event{Type: evType, Source: "arbiter", AgentID: agentID, TaskID: taskID, Payload: payload, CreatedAt: a.nowFunc()}
	select {
	case a.events <- ev:
	default:
	}
}
