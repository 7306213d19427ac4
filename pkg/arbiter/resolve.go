package arbiter

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"swarm/pkg/protocol"
)

// Domain weights for the weighted-fallback impact score.
const (
	weightPerformance    = 0.3
	weightResource       = 0.25
	weightSecurity       = 0.25
	weightUserExperience = 0.2
)

// resolve runs the conflicting group through the pipeline: priority
// scoring, consensus voting, type-specific merge, weighted fallback. The
// first confident stage wins; the fallback always produces an outcome.
func (a *Arbiter) resolve(group []protocol.DecisionRequest, now time.Time) *protocol.ConflictResolution {
	// Stable processing order regardless of map iteration.
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

	ids := make([]string, len(group))
	for i, d := range group {
		ids[i] = d.ID
	}
	res := &protocol.ConflictResolution{
		ID:          uuid.NewString(),
		DecisionIDs: ids,
		ResolvedAt:  now,
	}

	if winner, confidence, ok := a.byPriority(group, now); ok {
		res.Outcome = protocol.OutcomeAccept
		res.Selected = &winner
		res.Confidence = confidence
		res.Strategy = StrategyPriority
		return res
	}

	if winner, ratio, ok := a.byConsensus(group); ok {
		res.Outcome = protocol.OutcomeAccept
		res.Selected = &winner
		res.Confidence = ratio
		res.Strategy = StrategyConsensus
		return res
	}

	if merged, confidence, ok := a.byMerge(group); ok {
		res.Outcome = protocol.OutcomeMerge
		res.Selected = &merged
		res.Confidence = confidence
		res.Strategy = StrategyMerge
		return res
	}

	winner, confidence, tied := a.byWeighted(group)
	res.Strategy = StrategyWeighted
	if tied {
		// An exact tie gives no ground to prefer either side; the callers
		// must re-submit with more information.
		res.Outcome = protocol.OutcomeDefer
		res.Confidence = 0
		return res
	}
	res.Outcome = protocol.OutcomeAccept
	res.Selected = &winner
	res.Confidence = confidence
	return res
}

// --- stage 1: priority ---

// byPriority ranks the group by the composite priority score and accepts
// the leader only when the margin over the runner-up is decisive.
func (a *Arbiter) byPriority(group []protocol.DecisionRequest, now time.Time) (protocol.DecisionRequest, float64, bool) {
	type ranked struct {
		d     protocol.DecisionRequest
		score float64
	}
	scored := make([]ranked, len(group))
	for i, d := range group {
		scored[i] = ranked{d: d, score: a.priorityScore(d, now)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].d.ID < scored[j].d.ID
	})

	margin := scored[0].score - scored[1].score
	confidence := clamp01(0.5 + 2*margin)
	if confidence <= a.cfg.PriorityConfidence {
		return protocol.DecisionRequest{}, 0, false
	}
	return scored[0].d, confidence, true
}

// priorityScore is the stage-1 composite: declared priority 50%, per-agent
// weight 30%, submission recency 10%, positive impact 10%.
func (a *Arbiter) priorityScore(d protocol.DecisionRequest, now time.Time) float64 {
	score := 0.5 * float64(d.Priority) / 10.0

	weight, ok := a.cfg.AgentWeights[d.AgentID]
	if !ok {
		weight = 0.5
	}
	score += 0.3 * weight

	age := now.Sub(d.SubmittedAt)
	if age < 0 {
		age = 0
	}
	recency := 1 - float64(age)/float64(a.cfg.ConflictWindow)
	score += 0.1 * clamp01(recency)

	score += 0.1 * positiveImpact(d.Impact)
	return score
}

// --- stage 2: consensus ---

// byConsensus classifies, per candidate, every other decision as
// supporting, opposing or neutral by similarity, and accepts the candidate
// with the best supporting ratio at or above the consensus threshold.
// Neutral peers abstain: they count toward neither side.
func (a *Arbiter) byConsensus(group []protocol.DecisionRequest) (protocol.DecisionRequest, float64, bool) {
	var (
		best      protocol.DecisionRequest
		bestRatio = -1.0
	)
	for _, candidate := range group {
		supporting, opposing := 0, 0
		for _, other := range group {
			if other.ID == candidate.ID {
				continue
			}
			switch sim := similarity(candidate, other); {
			case sim >= a.cfg.SupportSimilarity:
				supporting++
			case sim < a.cfg.OpposeSimilarity:
				opposing++
			}
		}
		if supporting == 0 {
			continue
		}
		ratio := float64(supporting) / float64(supporting+opposing)
		if ratio > bestRatio || (ratio == bestRatio && candidate.Priority > best.Priority) {
			best = candidate
			bestRatio = ratio
		}
	}
	if bestRatio < a.cfg.ConsensusThreshold {
		return protocol.DecisionRequest{}, 0, false
	}
	return best, bestRatio, true
}

// --- stage 3: merge ---

// byMerge folds a same-type group into one decision. Groups larger than
// two reduce pairwise in id order. Mixed-type groups and security actions
// never merge: contradictory block/allow intents have no sound midpoint.
func (a *Arbiter) byMerge(group []protocol.DecisionRequest) (protocol.DecisionRequest, float64, bool) {
	t := group[0].Type
	for _, d := range group[1:] {
		if d.Type != t {
			return protocol.DecisionRequest{}, 0, false
		}
	}
	if t == protocol.DecisionSecurityAction {
		return protocol.DecisionRequest{}, 0, false
	}

	merged := group[0]
	for _, d := range group[1:] {
		merged = a.mergePair(merged, d)
	}
	merged.ID = uuid.NewString()
	merged.AgentID = "arbiter"
	merged.Justification = "merged from conflicting proposals"

	// Confidence tracks how close the merged inputs were.
	simSum, pairs := 0.0, 0
	for i := range group {
		for j := i + 1; j < len(group); j++ {
			simSum += similarity(group[i], group[j])
			pairs++
		}
	}
	return merged, simSum / float64(pairs), true
}

// mergePair combines two same-type proposals: resource demands sum (capped
// at capacity), priorities average, cache key sets union, rate limits take
// the conservative minimum.
func (a *Arbiter) mergePair(x, y protocol.DecisionRequest) protocol.DecisionRequest {
	out := x
	if y.Priority > out.Priority {
		out.Priority = y.Priority
	}
	out.Impact = protocol.ImpactVector{
		Performance:    (x.Impact.Performance + y.Impact.Performance) / 2,
		Resource:       (x.Impact.Resource + y.Impact.Resource) / 2,
		Security:       (x.Impact.Security + y.Impact.Security) / 2,
		UserExperience: (x.Impact.UserExperience + y.Impact.UserExperience) / 2,
	}

	switch x.Type {
	case protocol.DecisionResourceAllocation:
		out.Proposal.Amount = x.Proposal.Amount + y.Proposal.Amount
		if out.Proposal.Amount > a.cfg.ResourceCapacity {
			out.Proposal.Amount = a.cfg.ResourceCapacity
		}
	case protocol.DecisionTaskPriority:
		out.Proposal.TargetPriority = (x.Proposal.TargetPriority + y.Proposal.TargetPriority) / 2
	case protocol.DecisionCacheInvalidation:
		out.Proposal.CacheKeys = unionKeys(x.Proposal.CacheKeys, y.Proposal.CacheKeys)
	case protocol.DecisionRateLimiting:
		if y.Proposal.RateLimit < out.Proposal.RateLimit {
			out.Proposal.RateLimit = y.Proposal.RateLimit
		}
	}
	return out
}

// --- stage 4: weighted fallback ---

// byWeighted always ranks the group; only an exact score tie between the
// top two reports tied=true.
func (a *Arbiter) byWeighted(group []protocol.DecisionRequest) (winner protocol.DecisionRequest, confidence float64, tied bool) {
	type ranked struct {
		d     protocol.DecisionRequest
		score float64
	}
	scored := make([]ranked, len(group))
	for i, d := range group {
		scored[i] = ranked{d: d, score: weightedScore(d)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].d.ID < scored[j].d.ID
	})

	gap := scored[0].score - scored[1].score
	if gap == 0 {
		return protocol.DecisionRequest{}, 0, true
	}
	return scored[0].d, clamp01(0.5 + 2*gap), false
}

// weightedScore is 0.4*benefit - 0.2*risk + 0.4*weightedImpact, with the
// impact vector collapsed through the fixed domain weights.
func weightedScore(d protocol.DecisionRequest) float64 {
	benefit := positiveImpact(d.Impact)
	risk := negativeImpact(d.Impact)
	weighted := weightPerformance*d.Impact.Performance +
		weightResource*d.Impact.Resource +
		weightSecurity*d.Impact.Security +
		weightUserExperience*d.Impact.UserExperience
	return 0.4*benefit - 0.2*risk + 0.4*weighted
}

// positiveImpact averages the positive impact components into [0,1].
func positiveImpact(v protocol.ImpactVector) float64 {
	sum := 0.0
	for _, c := range [...]float64{v.Performance, v.Resource, v.Security, v.UserExperience} {
		if c > 0 {
			sum += c
		}
	}
	return sum / 4
}

// negativeImpact averages the negative impact magnitudes into [0,1].
func negativeImpact(v protocol.ImpactVector) float64 {
	sum := 0.0
	for _, c := range [...]float64{v.Performance, v.Resource, v.Security, v.UserExperience} {
		if c < 0 {
			sum -= c
		}
	}
	return sum / 4
}

func unionKeys(xs, ys []string) []string {
	seen := make(map[string]struct{}, len(xs)+len(ys))
	var out []string
	for _, k := range append(append([]string{}, xs...), ys...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
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
