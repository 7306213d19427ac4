// Package health implements the periodic health monitor: named checks
// probe HTTP endpoints, TCP listeners, databases, queue depths or custom
// targets on their own tickers, and a streak-based state machine derives
// healthy/degraded/unhealthy status with a transitions channel consumed by
// the fault manager.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"swarm/pkg/protocol"
)

// trendWindow is how many recent probe response times feed the trend.
const trendWindow = 5

// Config holds monitor tuning. Zero values resolve to defaults.
type Config struct {
	DefaultInterval time.Duration // probe cadence when a check declares none (default 10s)
	DefaultTimeout  time.Duration // probe deadline when a check declares none (default 3s)
}

func (c Config) withDefaults() Config {
	out := c
	if out.DefaultInterval == 0 {
		out.DefaultInterval = 10 * time.Second
	}
	if out.DefaultTimeout == 0 {
		out.DefaultTimeout = 3 * time.Second
	}
	return out
}

// Transition is emitted whenever a check changes state.
type Transition struct {
	Check    string
	From     protocol.HealthState
	To       protocol.HealthState
	Critical bool
	At       time.Time
}

// checkState pairs a check definition with its live status and probe.
type checkState struct {
	check  protocol.HealthCheck
	probe  Probe
	status protocol.HealthStatus
	recent []time.Duration // last probe response times, newest last
}

// Monitor owns the check table. Probes run outside the table lock; only
// result recording re-acquires it.
type Monitor struct {
	cfg    Config
	db     *sql.DB // nil disables event persistence
	logger *slog.Logger

	mu     sync.Mutex
	checks map[string]*checkState

	transitions chan Transition
	events      chan protocol.Event

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Monitor. db may be nil to disable persistence (tests).
func New(cfg Config, db *sql.DB, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:         cfg.withDefaults(),
		db:          db,
		logger:      logger,
		checks:      make(map[string]*checkState),
		transitions: make(chan Transition, 64),
		events:      make(chan protocol.Event, 64),
		nowFunc:     time.Now,
	}
}

// Transitions returns the state-change channel. Transitions are dropped
// rather than blocking probing when the consumer lags.
func (m *Monitor) Transitions() <-chan Transition { return m.transitions }

// Events returns the health event channel.
func (m *Monitor) Events() <-chan protocol.Event { return m.events }

// Register installs a check with its probe. Checks start in the unknown
// state until the first streak establishes itself.
func (m *Monitor) Register(check protocol.HealthCheck, probe Probe) error {
	if check.Name == "" {
		return fmt.Errorf("register check: name is required")
	}
	if probe == nil {
		return fmt.Errorf("register check %s: probe is required", check.Name)
	}
	if check.Interval == 0 {
		check.Interval = m.cfg.DefaultInterval
	}
	if check.Timeout == 0 {
		check.Timeout = m.cfg.DefaultTimeout
	}
	if check.SuccessThreshold <= 0 {
		check.SuccessThreshold = 1
	}
	if check.FailureThreshold <= 0 {
		check.FailureThreshold = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.checks[check.Name]; dup {
		return fmt.Errorf("register check %s: already registered", check.Name)
	}
	m.checks[check.Name] = &checkState{
		check:  check,
		probe:  probe,
		status: protocol.HealthStatus{State: protocol.HealthUnknown, Trend: "stable"},
	}
	return nil
}

// Status returns the live status of one check.
func (m *Monitor) Status(name string) (protocol.HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.checks[name]
	if !ok {
		return protocol.HealthStatus{}, &protocol.CheckNotFoundError{Name: name}
	}
	return cs.status, nil
}

// Statuses returns a name-sorted snapshot of all checks.
func (m *Monitor) Statuses() map[string]protocol.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]protocol.HealthStatus, len(m.checks))
	for name, cs := range m.checks {
		out[name] = cs.status
	}
	return out
}

// CheckNames returns the registered check names, sorted.
func (m *Monitor) CheckNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.checks))
	for name := range m.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HealthyFraction is the share of checks currently healthy, feeding the
// resilience score. Unknown checks count as healthy: they have not failed.
func (m *Monitor) HealthyFraction() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checks) == 0 {
		return 1
	}
	healthy := 0
	for _, cs := range m.checks {
		if cs.status.State == protocol.HealthHealthy || cs.status.State == protocol.HealthUnknown {
			healthy++
		}
	}
	return float64(healthy) / float64(len(m.checks))
}

// Run starts one probe loop per registered check and blocks until ctx is
// cancelled. Checks registered after Run starts are not picked up.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.loop(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, name string) {
	m.mu.Lock()
	cs, ok := m.checks[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	interval := cs.check.Interval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunCheck(ctx, name); err != nil {
				m.logger.Warn("health probe", "check", name, "err", err)
			}
		}
	}
}

// RunCheck executes one probe cycle for the named check and records the
// outcome. The probe itself runs without the table lock.
func (m *Monitor) RunCheck(ctx context.Context, name string) error {
	m.mu.Lock()
	cs, ok := m.checks[name]
	if !ok {
		m.mu.Unlock()
		return &protocol.CheckNotFoundError{Name: name}
	}
	check := cs.check
	probe := cs.probe
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	start := m.nowFunc()
	err := probe.Probe(probeCtx)
	cancel()
	elapsed := m.nowFunc().Sub(start)

	m.record(ctx, name, err == nil, elapsed)
	return err
}

// record feeds one probe outcome into the streak state machine.
func (m *Monitor) record(ctx context.Context, name string, ok bool, elapsed time.Duration) {
	m.mu.Lock()
	cs, found := m.checks[name]
	if !found {
		m.mu.Unlock()
		return
	}

	st := &cs.status
	if ok {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
	}
	st.LastResponseTime = elapsed
	st.LastChecked = m.nowFunc()

	from := st.State
	st.State = deriveState(cs.check, *st)

	cs.recent = append(cs.recent, elapsed)
	if len(cs.recent) > trendWindow {
		cs.recent = cs.recent[1:]
	}
	st.Trend = trend(cs.recent, ok)

	to := st.State
	critical := cs.check.Critical
	m.mu.Unlock()

	if from != to {
		m.emitTransition(ctx, Transition{Check: name, From: from, To: to, Critical: critical, At: m.nowFunc()})
	}
}

// deriveState applies the streak thresholds: a full success streak is
// healthy, failureThreshold failures are unhealthy, anything failing short
// of that is degraded.
func deriveState(check protocol.HealthCheck, st protocol.HealthStatus) protocol.HealthState {
	switch {
	case st.ConsecutiveFailures >= check.FailureThreshold:
		return protocol.HealthUnhealthy
	case st.ConsecutiveFailures > 0:
		return protocol.HealthDegraded
	case st.ConsecutiveSuccesses >= check.SuccessThreshold:
		return protocol.HealthHealthy
	default:
		return st.State // streak not yet established
	}
}

// trend classifies the response-time direction over the recent window.
// Any failure in the latest probe reads as degrading regardless of timing.
func trend(recent []time.Duration, lastOK bool) string {
	if !lastOK {
		return "degrading"
	}
	if len(recent) < 2 {
		return "stable"
	}
	var sum time.Duration
	for _, d := range recent[:len(recent)-1] {
		sum += d
	}
	avg := sum / time.Duration(len(recent)-1)
	latest := recent[len(recent)-1]
	switch {
	case avg > 0 && latest > avg+avg/5:
		return "degrading"
	case avg > 0 && latest < avg-avg/5:
		return "improving"
	default:
		return "stable"
	}
}

func (m *Monitor) emitTransition(ctx context.Context, tr Transition) {
	select {
	case m.transitions <- tr:
	default:
	}

	payload := fmt.Sprintf(`{"check":%q,"from":%q,"to":%q,"critical":%v}`, tr.Check, tr.From, tr.To, tr.Critical)
	if m.db != nil {
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO events (type, source, payload) VALUES (?, 'health', ?)`,
			protocol.EventHealthChanged, payload); err != nil {
			m.logger.Warn("log event", "type", protocol.EventHealthChanged, "err", err)
		}
	}
	ev := protocol.Event{Type: protocol.EventHealthChanged, Source: "health", Payload: payload, CreatedAt: tr.At}
	select {
	case m.events <- ev:
	default:
	}
}
