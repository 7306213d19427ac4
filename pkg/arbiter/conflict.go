package arbiter

import (
	"math"

	"swarm/pkg/protocol"
)

// conflicts reports whether two decisions contend with each other.
// Same-type decisions use type-specific rules; cross-type decisions
// conflict only on impact-vector tradeoffs.
func (a *Arbiter) conflicts(x, y protocol.DecisionRequest) bool {
	if x.Type != y.Type {
		return a.crossTypeConflict(x, y)
	}

	switch x.Type {
	case protocol.DecisionResourceAllocation:
		if x.Proposal.ResourceID != "" && x.Proposal.ResourceID == y.Proposal.ResourceID {
			return true
		}
		return x.Proposal.Amount+y.Proposal.Amount > a.cfg.ResourceCapacity

	case protocol.DecisionTaskPriority:
		if x.Proposal.TaskID != "" && x.Proposal.TaskID == y.Proposal.TaskID {
			return true
		}
		return abs(x.Priority-y.Priority) >= 5

	case protocol.DecisionCacheInvalidation:
		return overlap(x.Proposal.CacheKeys, y.Proposal.CacheKeys)

	case protocol.DecisionRateLimiting:
		return x.Proposal.Target != "" && x.Proposal.Target == y.Proposal.Target &&
			x.Proposal.RateLimit != y.Proposal.RateLimit

	case protocol.DecisionSecurityAction:
		return x.Proposal.Target != "" && x.Proposal.Target == y.Proposal.Target &&
			x.Proposal.Action != y.Proposal.Action
	}
	return false
}

// crossTypeConflict fires when the impact vectors trade performance
// against security beyond the configured threshold, or when both claim
// high resource impact.
func (a *Arbiter) crossTypeConflict(x, y protocol.DecisionRequest) bool {
	t := a.cfg.ImpactTradeoff
	if x.Impact.Performance >= t && y.Impact.Security <= -t {
		return true
	}
	if y.Impact.Performance >= t && x.Impact.Security <= -t {
		return true
	}
	if x.Impact.Security >= t && y.Impact.Performance <= -t {
		return true
	}
	if y.Impact.Security >= t && x.Impact.Performance <= -t {
		return true
	}
	return math.Abs(x.Impact.Resource) >= a.cfg.HighImpact &&
		math.Abs(y.Impact.Resource) >= a.cfg.HighImpact
}

// similarity measures how aligned two decisions are in [0,1]: type match
// 40%, priority closeness 30%, impact-vector closeness 30%.
func similarity(x, y protocol.DecisionRequest) float64 {
	s := 0.0
	if x.Type == y.Type {
		s += 0.4
	}
	s += 0.3 * (1 - float64(abs(x.Priority-y.Priority))/9.0)
	s += 0.3 * (1 - impactDistance(x.Impact, y.Impact))
	return s
}

// impactDistance is the normalized euclidean distance between two impact
// vectors, in [0,1]. Components live in [-1,1], so the maximum distance
// is 4 (the diagonal of the [-1,1]^4 cube).
func impactDistance(x, y protocol.ImpactVector) float64 {
	dp := x.Performance - y.Performance
	dr := x.Resource - y.Resource
	ds := x.Security - y.Security
	du := x.UserExperience - y.UserExperience
	return math.Sqrt(dp*dp+dr*dr+ds*ds+du*du) / 4
}

func overlap(xs, ys []string) bool {
	if len(xs) == 0 || len(ys) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(xs))
	for _, k := range xs {
		set[k] = struct{}{}
	}
	for _, k := range ys {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
