// Package fault implements automated remediation: health transitions and
// circuit-breaker openings trigger catalogue actions (restart, failover,
// scale-up, circuit-break, degrade-service, notify-admin) under per-trigger
// cooldowns, with rollback on failure and a periodic resilience score that
// warns when the system degrades past its floor.
package fault

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarm/pkg/breaker"
	"swarm/pkg/health"
	"swarm/pkg/protocol"
)

// recoveryHistory bounds the in-memory RecoveryAction ring used for the
// resilience score; the full trail lives in SQLite.
const recoveryHistory = 256

// Config holds fault-manager tuning. Zero values resolve to defaults.
type Config struct {
	ResilienceFloor    float64       // warn below this score (default 0.8)
	ResilienceInterval time.Duration // resilience evaluation cadence (default 30s)
	RecoveryWindow     time.Duration // window for the recovery success rate (default 1h)

	// Resilience component weights; must sum to 1 when all set.
	HealthWeight   float64 // default 0.4
	RecoveryWeight float64 // default 0.3
	BreakerWeight  float64 // default 0.3
}

func (c Config) withDefaults() Config {
	out := c
	if out.ResilienceFloor == 0 {
		out.ResilienceFloor = 0.8
	}
	if out.ResilienceInterval == 0 {
		out.ResilienceInterval = 30 * time.Second
	}
	if out.RecoveryWindow == 0 {
		out.RecoveryWindow = time.Hour
	}
	if out.HealthWeight == 0 && out.RecoveryWeight == 0 && out.BreakerWeight == 0 {
		out.HealthWeight = 0.4
		out.RecoveryWeight = 0.3
		out.BreakerWeight = 0.3
	}
	return out
}

// StatusSource exposes the health-monitor state the manager consults when
// evaluating action thresholds and the resilience score.
type StatusSource interface {
	Status(name string) (protocol.HealthStatus, error)
	HealthyFraction() float64
}

// recoveryRecord is one RecoveryAction with its trigger retained for
// cooldown bookkeeping.
type recoveryRecord struct {
	action protocol.RecoveryAction
}

// Manager owns the action catalogue and the remediation history.
type Manager struct {
	cfg    Config
	db     *sql.DB // nil disables persistence
	logger *slog.Logger
	status StatusSource
	bank   *breaker.Bank

	mu        sync.Mutex
	catalogue []protocol.FaultAction
	runners   map[protocol.ActionType]ActionRunner
	lastRun   map[string]time.Time // action|trigger -> last execution
	history   []recoveryRecord

	events chan protocol.Event

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Manager with the default runners registered. db may be nil
// to disable persistence (tests).
func New(cfg Config, status StatusSource, bank *breaker.Bank, db *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		db:      db,
		logger:  logger,
		status:  status,
		bank:    bank,
		runners: make(map[protocol.ActionType]ActionRunner),
		lastRun: make(map[string]time.Time),
		events:  make(chan protocol.Event, 64),
		nowFunc: time.Now,
	}
	m.registerDefaultRunners()
	return m
}

// Events returns the remediation event channel.
func (m *Manager) Events() <-chan protocol.Event { return m.events }

// AddAction installs a catalogue entry.
func (m *Manager) AddAction(a protocol.FaultAction) error {
	if a.Name == "" {
		return fmt.Errorf("add action: name is required")
	}
	if len(a.Triggers) == 0 {
		return fmt.Errorf("add action %s: at least one trigger is required", a.Name)
	}
	switch a.Type {
	case protocol.ActionRestart, protocol.ActionFailover, protocol.ActionScaleUp,
		protocol.ActionCircuitBreak, protocol.ActionDegradeService, protocol.ActionNotifyAdmin:
	default:
		return fmt.Errorf("add action %s: unknown type %q", a.Name, a.Type)
	}
	if a.Threshold <= 0 {
		a.Threshold = 1
	}

	m.mu.Lock()
	m.catalogue = append(m.catalogue, a)
	m.mu.Unlock()
	return nil
}

// SetRunner replaces the runner for an action type.
func (m *Manager) SetRunner(t protocol.ActionType, r ActionRunner) {
	m.mu.Lock()
	m.runners[t] = r
	m.mu.Unlock()
}

// Run consumes health transitions and breaker state changes until ctx is
// cancelled. Either channel may be nil.
func (m *Manager) Run(ctx context.Context, transitions <-chan health.Transition, breakerEvents <-chan breaker.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			m.HandleTransition(ctx, tr)
		case sc, ok := <-breakerEvents:
			if !ok {
				breakerEvents = nil
				continue
			}
			m.HandleBreakerChange(ctx, sc)
		}
	}
}

// HandleTransition runs every catalogue action triggered by the check's
// new state. Only degradations trigger; recoveries just clear the path for
// the next incident.
func (m *Manager) HandleTransition(ctx context.Context, tr health.Transition) {
	if tr.To != protocol.HealthDegraded && tr.To != protocol.HealthUnhealthy {
		return
	}
	for _, action := range m.triggeredBy(tr.Check) {
		if !m.thresholdMet(action, tr.Check) {
			continue
		}
		m.executeAction(ctx, action, tr.Check)
	}
}

// HandleBreakerChange mirrors breaker transitions into the event log and
// runs actions triggered by "breaker:<service>" when a breaker opens.
func (m *Manager) HandleBreakerChange(ctx context.Context, sc breaker.StateChange) {
	var evType string
	switch sc.To {
	case breaker.StateOpen:
		evType = protocol.EventBreakerOpened
	case breaker.StateHalfOpen:
		evType = protocol.EventBreakerHalfOpen
	default:
		evType = protocol.EventBreakerClosed
	}
	m.emit(ctx, evType, fmt.Sprintf(`{"service":%q,"from":%q,"to":%q}`, sc.Service, sc.From, sc.To))

	if sc.To != breaker.StateOpen {
		return
	}
	trigger := "breaker:" + sc.Service
	for _, action := range m.triggeredBy(trigger) {
		m.executeAction(ctx, action, trigger)
	}
}

// triggeredBy returns the catalogue actions listing the trigger.
func (m *Manager) triggeredBy(trigger string) []protocol.FaultAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.FaultAction
	for _, a := range m.catalogue {
		for _, t := range a.Triggers {
			if t == trigger {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// thresholdMet consults the health monitor: the check's consecutive
// failures must have reached the action's threshold.
func (m *Manager) thresholdMet(action protocol.FaultAction, check string) bool {
	if m.status == nil {
		return true
	}
	st, err := m.status.Status(check)
	if err != nil {
		return false
	}
	return st.ConsecutiveFailures >= action.Threshold
}

// executeAction runs one action under its cooldown, attempting rollback on
// failure, and records the outcome.
func (m *Manager) executeAction(ctx context.Context, action protocol.FaultAction, trigger string) {
	key := action.Name + "|" + trigger
	now := m.nowFunc()

	m.mu.Lock()
	if last, ok := m.lastRun[key]; ok && action.Cooldown > 0 && now.Sub(last) < action.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastRun[key] = now
	runner, hasRunner := m.runners[action.Type]
	m.mu.Unlock()

	rec := protocol.RecoveryAction{
		ID:         uuid.NewString(),
		ActionName: action.Name,
		CheckName:  trigger,
		ExecutedAt: now,
	}

	if !hasRunner {
		rec.Error = fmt.Sprintf("no runner for action type %s", action.Type)
		m.record(ctx, rec)
		m.emit(ctx, protocol.EventFaultFailed, actionPayload(action, trigger, rec.Error))
		return
	}

	rollbackRequired, err := m.runSafely(ctx, runner, action)
	rec.Duration = m.nowFunc().Sub(now)
	rec.RollbackRequired = rollbackRequired

	if err == nil {
		rec.Success = true
		m.record(ctx, rec)
		m.emit(ctx, protocol.EventFaultExecuted, actionPayload(action, trigger, ""))
		return
	}

	rec.Error = err.Error()
	m.record(ctx, rec)
	m.emit(ctx, protocol.EventFaultFailed, actionPayload(action, trigger, rec.Error))

	if !rollbackRequired {
		return
	}
	if rbErr := runner.Rollback(ctx, action); rbErr != nil {
		// The one path needing a human: remediation failed and so did
		// undoing it.
		m.logger.Error("rollback failed", "action", action.Name, "trigger", trigger, "err", rbErr)
		m.emit(ctx, protocol.EventRollbackFailed, actionPayload(action, trigger, rbErr.Error()))
		return
	}
	rec.RolledBack = true
	m.updateRollback(ctx, rec.ID)
	m.emit(ctx, protocol.EventFaultRolledBack, actionPayload(action, trigger, ""))
}

// runSafely shields the manager from a panicking runner.
func (m *Manager) runSafely(ctx context.Context, runner ActionRunner, action protocol.FaultAction) (rollbackRequired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, action)
}

// record appends to the in-memory ring and the recovery_actions table.
func (m *Manager) record(ctx context.Context, rec protocol.RecoveryAction) {
	m.mu.Lock()
	m.history = append(m.history, recoveryRecord{action: rec})
	if len(m.history) > recoveryHistory {
		m.history = m.history[len(m.history)-recoveryHistory:]
	}
	m.mu.Unlock()

	if m.db == nil {
		return
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO recovery_actions (id, action_name, check_name, success, duration_ms, rollback_required, rolled_back, error, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ActionName, rec.CheckName, boolToInt(rec.Success), rec.Duration.Milliseconds(),
		boolToInt(rec.RollbackRequired), boolToInt(rec.RolledBack), rec.Error,
		rec.ExecutedAt.UTC().Format(time.DateTime))
	if err != nil {
		m.logger.Warn("persist recovery action", "action", rec.ActionName, "err", err)
	}
}

func (m *Manager) updateRollback(ctx context.Context, id string) {
	m.mu.Lock()
	for i := range m.history {
		if m.history[i].action.ID == id {
			m.history[i].action.RolledBack = true
			break
		}
	}
	m.mu.Unlock()

	if m.db == nil {
		return
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE recovery_actions SET rolled_back=1 WHERE id=?`, id); err != nil {
		m.logger.Warn("update recovery action", "id", id, "err", err)
	}
}

// RecentActions returns a copy of the in-memory recovery history, newest
// last.
func (m *Manager) RecentActions() []protocol.RecoveryAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.RecoveryAction, len(m.history))
	for i, r := range m.history {
		out[i] = r.action
	}
	return out
}

func actionPayload(action protocol.FaultAction, trigger, errMsg string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"action":%q,"type":%q,"trigger":%q`, action.Name, action.Type, trigger)
	if errMsg != "" {
		fmt.Fprintf(&b, `,"error":%q`, errMsg)
	}
	b.WriteString("}")
	return b.String()
}

func (m *Manager) emit(ctx context.Context, evType, payload string) {
	if m.db != nil {
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO events (type, source, payload) VALUES (?, 'fault', ?)`,
			evType, payload); err != nil {
			m.logger.Warn("log event", "type", evType, "err", err)
		}
	}
	ev := protocol.Event{Type: evType, Source: "fault", Payload: payload, CreatedAt: m.nowFunc()}
	select {
	case m.events <- ev:
	default:
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
