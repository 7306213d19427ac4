package scheduler

import (
	"time"

	"swarm/pkg/protocol"
)

// Scoring component ceilings. An agent's raw score is the clamped sum of
// the four components plus a priority adjustment in [-2,+5].
const (
	maxPerformancePoints = 40.0
	maxLoadPoints        = 25.0
	maxHistoryPoints     = 20.0
	maxFitPoints         = 15.0

	// neutralHistoryPoints is awarded when an agent has no completions in
	// the rolling window, so new agents are neither favored nor starved.
	neutralHistoryPoints = 10.0
)

type scoredAgent struct {
	agent *protocol.AgentMetrics
	raw   float64
}

// scoreAgent computes the raw [0,100] allocation score for one eligible
// agent. Caller must hold s.mu.
func (s *Scheduler) scoreAgent(a *protocol.AgentMetrics, task protocol.TaskRequest, now time.Time) float64 {
	score := s.performanceScore(a) +
		s.loadScore(a) +
		s.historyScore(a.ID, now) +
		s.fitScore(a, task) +
		priorityAdjustment(task.Priority)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// performanceScore rewards low CPU/memory usage, fast responses and a low
// error rate, 10 points each.
func (s *Scheduler) performanceScore(a *protocol.AgentMetrics) float64 {
	respScore := 1 - float64(a.ResponseTime)/float64(s.cfg.ResponseTimeCeiling)
	if respScore < 0 {
		respScore = 0
	}
	return 10*(1-a.CPUUsage) + 10*(1-a.MemoryUsage) + 10*respScore + 10*(1-a.ErrorRate)
}

// loadScore rewards a low projected post-task load ratio. Projected
// utilization past the load ceiling scores zero.
func (s *Scheduler) loadScore(a *protocol.AgentMetrics) float64 {
	projected := float64(a.CurrentLoad+1) / float64(a.Capacity)
	if projected > s.cfg.LoadCeiling {
		return 0
	}
	return maxLoadPoints * (1 - projected/s.cfg.LoadCeiling)
}

// historyScore blends the rolling success rate (12 pts) with the average
// reported performance (8 pts) over the history window.
func (s *Scheduler) historyScore(agentID string, now time.Time) float64 {
	entries := s.history[agentID]
	cutoff := now.Add(-s.cfg.HistoryWindow)

	var total, successes int
	var perfSum float64
	for _, e := range entries {
		if e.completedAt.Before(cutoff) {
			continue
		}
		total++
		if e.success {
			successes++
		}
		perfSum += e.performance
	}
	if total == 0 {
		return neutralHistoryPoints
	}
	successRate := float64(successes) / float64(total)
	avgPerf := perfSum / float64(total)
	return 12*successRate + 8*avgPerf
}

// fitScore grants binary bonuses when the task's declared cpu/memory
// requirements fit within the agent's remaining headroom.
func (s *Scheduler) fitScore(a *protocol.AgentMetrics, task protocol.TaskRequest) float64 {
	var pts float64
	if task.CPURequired <= 1-a.CPUUsage {
		pts += 8
	}
	if task.MemoryRequired <= 1-a.MemoryUsage {
		pts += 7
	}
	return pts
}

func priorityAdjustment(p protocol.TaskPriority) float64 {
	switch p {
	case protocol.PriorityCritical:
		return 5
	case protocol.PriorityHigh:
		return 2
	case protocol.PriorityLow:
		return -2
	default:
		return 0
	}
}

// predictPerformance is a short-horizon heuristic over throughput,
// remaining load headroom and the health flag, on the same [0,100] scale
// as the raw score.
func (s *Scheduler) predictPerformance(a *protocol.AgentMetrics) float64 {
	tn := a.Throughput / s.cfg.ThroughputCeiling
	if tn > 1 {
		tn = 1
	}
	if tn < 0 {
		tn = 0
	}
	headroom := 1 - float64(a.CurrentLoad)/float64(a.Capacity)
	if headroom < 0 {
		headroom = 0
	}
	healthy := 0.0
	if a.Status == protocol.AgentHealthy {
		healthy = 1
	}
	return 40*tn + 40*headroom + 20*healthy
}
