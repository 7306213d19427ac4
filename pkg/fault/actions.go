package fault

import (
	"context"
	"fmt"

	"swarm/pkg/protocol"
)

// ActionRunner executes one action type. Run reports whether a failed
// execution left state that must be undone; Rollback performs that undo.
type ActionRunner interface {
	Run(ctx context.Context, action protocol.FaultAction) (rollbackRequired bool, err error)
	Rollback(ctx context.Context, action protocol.FaultAction) error
}

// RunnerFuncs adapts plain functions to ActionRunner. A nil RollbackFunc
// makes Rollback a no-op.
type RunnerFuncs struct {
	RunFunc      func(ctx context.Context, action protocol.FaultAction) (bool, error)
	RollbackFunc func(ctx context.Context, action protocol.FaultAction) error
}

// Run implements ActionRunner.
func (r RunnerFuncs) Run(ctx context.Context, action protocol.FaultAction) (bool, error) {
	return r.RunFunc(ctx, action)
}

// Rollback implements ActionRunner.
func (r RunnerFuncs) Rollback(ctx context.Context, action protocol.FaultAction) error {
	if r.RollbackFunc == nil {
		return nil
	}
	return r.RollbackFunc(ctx, action)
}

// registerDefaultRunners installs the built-in runners. Restart, failover,
// scale-up and degrade-service only log here: the real process/cluster
// hooks are deployment-specific and installed via SetRunner. Circuit-break
// trips the target's breaker directly; notify-admin logs at error level so
// alerting pipelines pick it up.
func (m *Manager) registerDefaultRunners() {
	logOnly := func(verb string) ActionRunner {
		return RunnerFuncs{
			RunFunc: func(_ context.Context, action protocol.FaultAction) (bool, error) {
				m.logger.Info(verb, "action", action.Name, "target", action.Target)
				return false, nil
			},
		}
	}
	m.runners[protocol.ActionRestart] = logOnly("restart requested")
	m.runners[protocol.ActionFailover] = logOnly("failover requested")
	m.runners[protocol.ActionScaleUp] = logOnly("scale-up requested")
	m.runners[protocol.ActionDegradeService] = logOnly("service degradation requested")

	m.runners[protocol.ActionCircuitBreak] = RunnerFuncs{
		RunFunc: func(_ context.Context, action protocol.FaultAction) (bool, error) {
			if m.bank == nil {
				return false, fmt.Errorf("no breaker bank configured")
			}
			if action.Target == "" {
				return false, fmt.Errorf("circuit break action %s: target is required", action.Name)
			}
			m.bank.Get(action.Target).Trip()
			return false, nil
		},
	}

	m.runners[protocol.ActionNotifyAdmin] = RunnerFuncs{
		RunFunc: func(_ context.Context, action protocol.FaultAction) (bool, error) {
			m.logger.Error("operator attention required", "action", action.Name, "target", action.Target)
			return false, nil
		},
	}
}
