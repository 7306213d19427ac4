package scheduler

import "sort"

// Strategy selects how the winner is chosen among scored candidates.
type Strategy string

// Selection strategies.
const (
	// StrategyPredictive re-weights the raw score against a short-horizon
	// performance prediction (default blend 70/30).
	StrategyPredictive Strategy = "predictive"
	// StrategyLowestResponseTime picks the fastest responder.
	StrategyLowestResponseTime Strategy = "lowest_response_time"
	// StrategyLeastLoaded picks the agent with the lowest load ratio.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyHighestScore picks on the raw score alone.
	StrategyHighestScore Strategy = "highest_score"
)

// Valid reports whether the strategy is one of the defined selectors.
func (st Strategy) Valid() bool {
	switch st {
	case StrategyPredictive, StrategyLowestResponseTime, StrategyLeastLoaded, StrategyHighestScore:
		return true
	}
	return false
}

// pick selects the winning candidate under the configured strategy.
// Ties break deterministically on the lowest agent id so identical runs
// allocate identically. Caller must hold s.mu; candidates is non-empty.
func (s *Scheduler) pick(candidates []scoredAgent) scoredAgent {
	type ranked struct {
		scoredAgent
		key float64 // higher wins
	}

	rankedCands := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		r := ranked{scoredAgent: c}
		switch s.cfg.Strategy {
		case StrategyLowestResponseTime:
			r.key = -float64(c.agent.ResponseTime)
		case StrategyLeastLoaded:
			r.key = -float64(c.agent.CurrentLoad) / float64(c.agent.Capacity)
		case StrategyHighestScore:
			r.key = c.raw
		default: // predictive
			r.key = s.cfg.ScoreWeight*c.raw + s.cfg.PredictionWeight*s.predictPerformance(c.agent)
		}
		rankedCands = append(rankedCands, r)
	}

	sort.Slice(rankedCands, func(i, j int) bool {
		if rankedCands[i].key != rankedCands[j].key {
			return rankedCands[i].key > rankedCands[j].key
		}
		return rankedCands[i].agent.ID < rankedCands[j].agent.ID
	})
	return rankedCands[0].scoredAgent
}
