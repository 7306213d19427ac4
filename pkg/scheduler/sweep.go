package scheduler

import (
	"context"
	"fmt"
	"time"

	"swarm/pkg/protocol"
)

// Run drives the periodic sweep until ctx is cancelled. The sweep owns its
// own failure isolation: a slow database write cannot block allocation,
// only delay the next sweep tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep marks stale agents offline, revives agents with fresh heartbeats,
// times out abandoned allocations and prunes expired history. Exported so
// tests and the daemon can trigger it directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.nowFunc()

	type timeoutInfo struct{ taskID, agentID string }
	var wentOffline []string
	var timedOut []timeoutInfo

	s.mu.Lock()
	for id, a := range s.agents {
		stale := now.Sub(a.LastHeartbeat) > s.cfg.StaleAfter
		switch {
		case stale && a.Status != protocol.AgentOffline:
			a.Status = protocol.AgentOffline
			wentOffline = append(wentOffline, id)
		case !stale && a.Status == protocol.AgentOffline:
			// Heartbeat resumed after the agent was marked offline:
			// last-write-wins, status re-derived here.
			a.Status = protocol.AgentHealthy
		}
	}

	for taskID, alloc := range s.allocations {
		if now.After(alloc.EstimatedCompletion.Add(s.cfg.CompletionGrace)) {
			timedOut = append(timedOut, timeoutInfo{taskID: taskID, agentID: alloc.AgentID})
			delete(s.allocations, taskID)
			delete(s.taskMeta, taskID)
			if a, ok := s.agents[alloc.AgentID]; ok && a.CurrentLoad > 0 {
				a.CurrentLoad--
			}
			s.history[alloc.AgentID] = append(s.history[alloc.AgentID], historyEntry{
				completedAt: now,
				success:     false,
			})
		}
	}

	cutoff := now.Add(-s.cfg.HistoryWindow)
	for id, entries := range s.history {
		kept := entries[:0]
		for _, e := range entries {
			if !e.completedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.history, id)
		} else {
			s.history[id] = kept
		}
	}
	s.mu.Unlock()

	for _, id := range wentOffline {
		s.emit(ctx, protocol.EventAgentOffline, id, "", fmt.Sprintf(`{"stale_after":%q}`, s.cfg.StaleAfter))
	}
	for _, ti := range timedOut {
		if s.db != nil {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE allocations SET status='timeout', completed_at=datetime('now') WHERE task_id=? AND status='active'`,
				ti.taskID); err != nil {
				s.logger.Warn("timeout allocation", "task", ti.taskID, "err", err)
			}
		}
		s.emit(ctx, protocol.EventTaskTimeout, ti.agentID, ti.taskID, "")
	}
}
