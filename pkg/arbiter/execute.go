package arbiter

import (
	"context"
	"fmt"
	"strings"

	"swarm/pkg/protocol"
)

// Executor applies an accepted decision. Implementations must be
// idempotent: a decision may be re-applied when a later arbitration over
// the same conflict window selects it again.
type Executor interface {
	Execute(ctx context.Context, d protocol.DecisionRequest) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, d protocol.DecisionRequest) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, d protocol.DecisionRequest) error {
	return f(ctx, d)
}

// execute dispatches to the type's executor. Executor errors and panics
// are captured and reported as a failed-decision result; they never
// propagate as a crash.
func (a *Arbiter) execute(ctx context.Context, d protocol.DecisionRequest) (err error) {
	a.mu.Lock()
	ex, ok := a.executors[d.Type]
	a.mu.Unlock()
	if !ok {
		err = &ExecutionError{DecisionID: d.ID, Type: d.Type, Err: fmt.Errorf("no executor registered")}
		a.emit(ctx, protocol.EventDecisionFailed, d.AgentID, "", executionPayload(d, err))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{DecisionID: d.ID, Type: d.Type, Err: fmt.Errorf("executor panicked: %v", r)}
			a.emit(ctx, protocol.EventDecisionFailed, d.AgentID, "", executionPayload(d, err))
		}
	}()

	if exErr := ex.Execute(ctx, d); exErr != nil {
		err = &ExecutionError{DecisionID: d.ID, Type: d.Type, Err: exErr}
		a.emit(ctx, protocol.EventDecisionFailed, d.AgentID, "", executionPayload(d, err))
		return err
	}
	a.emit(ctx, protocol.EventDecisionExecuted, d.AgentID, "", executionPayload(d, nil))
	return nil
}

func executionPayload(d protocol.DecisionRequest, err error) string {
	if err != nil {
		return fmt.Sprintf(`{"decision":%q,"type":%q,"error":%q}`, d.ID, d.Type, err.Error())
	}
	return fmt.Sprintf(`{"decision":%q,"type":%q}`, d.ID, d.Type)
}

// registerDefaultExecutors installs the built-in handlers. Each records
// its effect through the event payload; deployments with real resource
// managers replace them via SetExecutor.
func (a *Arbiter) registerDefaultExecutors() {
	a.executors[protocol.DecisionResourceAllocation] = ExecutorFunc(func(_ context.Context, d protocol.DecisionRequest) error {
		a.logger.Info("resource allocation applied",
			"decision", d.ID, "resource", d.Proposal.ResourceID, "amount", d.Proposal.Amount)
		return nil
	})
	a.executors[protocol.DecisionTaskPriority] = ExecutorFunc(func(_ context.Context, d protocol.DecisionRequest) error {
		a.logger.Info("task priority adjusted",
			"decision", d.ID, "task", d.Proposal.TaskID, "priority", d.Proposal.TargetPriority)
		return nil
	})
	a.executors[protocol.DecisionCacheInvalidation] = ExecutorFunc(func(_ context.Context, d protocol.DecisionRequest) error {
		a.logger.Info("cache keys invalidated",
			"decision", d.ID, "keys", strings.Join(d.Proposal.CacheKeys, ","))
		return nil
	})
	a.executors[protocol.DecisionRateLimiting] = ExecutorFunc(func(_ context.Context, d protocol.DecisionRequest) error {
		a.logger.Info("rate limit updated",
			"decision", d.ID, "target", d.Proposal.Target, "limit", d.Proposal.RateLimit)
		return nil
	})
	a.executors[protocol.DecisionSecurityAction] = ExecutorFunc(func(_ context.Context, d protocol.DecisionRequest) error {
		a.logger.Info("security action applied",
			"decision", d.ID, "action", d.Proposal.Action, "target", d.Proposal.Target)
		return nil
	})
}
