package fault

import (
	"context"
	"fmt"
	"time"

	"swarm/pkg/protocol"
)

// Resilience is the periodic system-resilience snapshot.
type Resilience struct {
	Score           float64 // weighted composite in [0,1]
	HealthRatio     float64 // share of healthy checks
	RecoveryRate    float64 // recovery success rate inside the window
	OpenBreakers    float64 // fraction of breakers open
	RecoveriesInWin int
	At              time.Time
}

// Evaluate computes the current resilience score from the health ratio,
// the recent recovery success rate and the open-breaker fraction. With no
// recoveries in the window the recovery component scores full marks.
func (m *Manager) Evaluate() Resilience {
	now := m.nowFunc()

	healthRatio := 1.0
	if m.status != nil {
		healthRatio = m.status.HealthyFraction()
	}

	openFraction := 0.0
	if m.bank != nil {
		openFraction = m.bank.OpenFraction()
	}

	m.mu.Lock()
	total, succeeded := 0, 0
	for _, r := range m.history {
		if now.Sub(r.action.ExecutedAt) > m.cfg.RecoveryWindow {
			continue
		}
		total++
		if r.action.Success {
			succeeded++
		}
	}
	m.mu.Unlock()

	recoveryRate := 1.0
	if total > 0 {
		recoveryRate = float64(succeeded) / float64(total)
	}

	score := m.cfg.HealthWeight*healthRatio +
		m.cfg.RecoveryWeight*recoveryRate +
		m.cfg.BreakerWeight*(1-openFraction)

	return Resilience{
		Score:           score,
		HealthRatio:     healthRatio,
		RecoveryRate:    recoveryRate,
		OpenBreakers:    openFraction,
		RecoveriesInWin: total,
		At:              now,
	}
}

// RunResilience evaluates periodically and raises a warning event whenever
// the score drops below the floor. Blocks until ctx is cancelled.
func (m *Manager) RunResilience(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ResilienceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckResilience(ctx)
		}
	}
}

// CheckResilience runs one evaluation cycle.
func (m *Manager) CheckResilience(ctx context.Context) Resilience {
	res := m.Evaluate()
	if res.Score < m.cfg.ResilienceFloor {
		m.logger.Warn("resilience below floor",
			"score", res.Score, "floor", m.cfg.ResilienceFloor,
			"health", res.HealthRatio, "recovery", res.RecoveryRate, "open_breakers", res.OpenBreakers)
		m.emit(ctx, protocol.EventResilienceWarning,
			fmt.Sprintf(`{"score":%.3f,"floor":%.2f,"health":%.3f,"recovery":%.3f,"open_breakers":%.3f}`,
				res.Score, m.cfg.ResilienceFloor, res.HealthRatio, res.RecoveryRate, res.OpenBreakers))
	}
	return res
}
