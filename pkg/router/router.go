// Package router implements resilient message routing between agents:
// subject-pattern route matching, dedup/merge of chatty message types,
// per-connection circuit breaking, retry with per-route backoff schedules
// and dead-lettering once retries are exhausted.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"swarm/pkg/breaker"
	"swarm/pkg/broker"
	"swarm/pkg/protocol"
)

// Config holds router tuning. Zero values resolve to defaults.
type Config struct {
	DedupWindow     time.Duration // merge/suppress window per dedup key (default 30s)
	HealthFloor     float64       // minimum endpoint health to receive traffic (default 0.5)
	CleanupInterval time.Duration // held-message flush cadence (default 5s)
	PublishTimeout  time.Duration // per-attempt publish deadline (default 5s)
}

func (c Config) withDefaults() Config {
	out := c
	if out.DedupWindow == 0 {
		out.DedupWindow = 30 * time.Second
	}
	if out.HealthFloor == 0 {
		out.HealthFloor = 0.5
	}
	if out.CleanupInterval == 0 {
		out.CleanupInterval = 5 * time.Second
	}
	if out.PublishTimeout == 0 {
		out.PublishTimeout = 5 * time.Second
	}
	return out
}

// Connection is one named outbound endpoint a route can target. Load is
// the in-flight publish count over capacity, compared against a route
// condition's MaxLoad.
type Connection struct {
	Name     string
	Bus      broker.Broker
	Capacity int // concurrent publishes considered "full load" (default 100)

	inFlight atomic.Int64
}

// Load returns the connection's current load fraction in [0,1].
func (c *Connection) Load() float64 {
	cap := c.Capacity
	if cap <= 0 {
		cap = 100
	}
	load := float64(c.inFlight.Load()) / float64(cap)
	if load > 1 {
		return 1
	}
	return load
}

// Stats is a snapshot of router counters.
type Stats struct {
	Routed       int64
	Deduplicated int64
	Merged       int64
	Dropped      int64
	Retried      int64
	DeadLettered int64
}

// Router matches messages to routes and delivers them over connections.
// Routes are checked highest priority first; the first match wins.
type Router struct {
	cfg    Config
	bank   *breaker.Bank
	dedup  DedupStore
	db     *sql.DB // nil disables persistence
	logger *slog.Logger

	mu     sync.Mutex
	routes []protocol.MessageRoute // sorted by priority desc, name asc
	conns  map[string]*Connection
	cursor map[string]int // round-robin position per route name
	stats  Stats

	events chan protocol.Event

	nowFunc func() time.Time
}

// New creates a Router. db may be nil to disable persistence (tests).
func New(cfg Config, bank *breaker.Bank, dedup DedupStore, db *sql.DB, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	if bank == nil {
		bank = breaker.NewBank(breaker.Config{})
	}
	return &Router{
		cfg:     cfg.withDefaults(),
		bank:    bank,
		dedup:   dedup,
		db:      db,
		logger:  logger,
		conns:   make(map[string]*Connection),
		cursor:  make(map[string]int),
		events:  make(chan protocol.Event, 128),
		nowFunc: time.Now,
	}
}

// Events returns the router event channel. Events are dropped rather than
// blocking delivery when the consumer lags.
func (r *Router) Events() <-chan protocol.Event { return r.events }

// Connect registers a named endpoint. Re-registering a name replaces its
// transport but keeps the breaker history.
func (r *Router) Connect(name string, bus broker.Broker) *Connection {
	conn := &Connection{Name: name, Bus: bus}
	r.mu.Lock()
	r.conns[name] = conn
	r.mu.Unlock()
	return conn
}

// AddRoute validates and installs a route.
func (r *Router) AddRoute(route protocol.MessageRoute) error {
	if route.Name == "" {
		return fmt.Errorf("add route: name is required")
	}
	if route.Pattern == "" {
		return fmt.Errorf("add route %s: pattern is required", route.Name)
	}
	if len(route.Endpoints) == 0 {
		return fmt.Errorf("add route %s: at least one endpoint is required", route.Name)
	}
	switch route.Strategy {
	case protocol.RouteRoundRobin, protocol.RouteLoadBalanced, protocol.RouteBroadcast, protocol.RouteConditional:
	case "":
		route.Strategy = protocol.RouteRoundRobin
	default:
		return fmt.Errorf("add route %s: unknown strategy %q", route.Name, route.Strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.routes {
		if existing.Name == route.Name {
			r.routes[i] = route
			r.sortRoutesLocked()
			return nil
		}
	}
	r.routes = append(r.routes, route)
	r.sortRoutesLocked()
	return nil
}

// Routes returns a snapshot of the installed routes in matching order.
func (r *Router) Routes() []protocol.MessageRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageRoute, len(r.routes))
	copy(out, r.routes)
	return out
}

// Stats returns a snapshot of the delivery counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) sortRoutesLocked() {
	sort.SliceStable(r.routes, func(i, j int) bool {
		if r.routes[i].Priority != r.routes[j].Priority {
			return r.routes[i].Priority > r.routes[j].Priority
		}
		return r.routes[i].Name < r.routes[j].Name
	})
}

// Route accepts a message for delivery. Mergeable messages with a dedup
// key are held for the dedup window and folded with duplicates; the merged
// result is delivered when the window expires (via Run's flush loop).
// Non-mergeable duplicates inside the window are dropped. Everything else
// is delivered immediately.
func (r *Router) Route(ctx context.Context, msg protocol.Message) error {
	if msg.Subject == "" {
		return fmt.Errorf("route: message subject is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.nowFunc()
	}

	if key := msg.DedupKey(); key != "" {
		if msg.Mergeable() {
			merges, err := r.dedup.Hold(ctx, key, msg, r.cfg.DedupWindow)
			if err != nil {
				return fmt.Errorf("route: hold %s: %w", key, err)
			}
			if merges > 1 {
				r.bump(func(st *Stats) { st.Merged++ })
				r.emit(ctx, protocol.EventMessageDedup, msg.AgentID, msg.JobID,
					fmt.Sprintf(`{"key":%q,"merges":%d}`, key, merges))
			}
			return nil
		}
		first, err := r.dedup.MarkSeen(ctx, key, r.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("route: mark seen %s: %w", key, err)
		}
		if !first {
			r.bump(func(st *Stats) { st.Dropped++ })
			r.emit(ctx, protocol.EventMessageDropped, msg.AgentID, msg.JobID,
				fmt.Sprintf(`{"key":%q}`, key))
			return nil
		}
	}

	return r.deliver(ctx, msg)
}

// deliver matches the message to a route and publishes it to the endpoints
// selected by the route's strategy.
func (r *Router) deliver(ctx context.Context, msg protocol.Message) error {
	route, ok := r.match(msg)
	if !ok {
		r.bump(func(st *Stats) { st.Dropped++ })
		r.emit(ctx, protocol.EventMessageDropped, msg.AgentID, msg.JobID,
			fmt.Sprintf(`{"subject":%q,"reason":"no matching route"}`, msg.Subject))
		return &protocol.RouteNotFoundError{Subject: msg.Subject}
	}

	targets, err := r.selectEndpoints(route, msg)
	if err != nil {
		r.dropUndeliverable(ctx, route, msg)
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("deliver %s: encode: %w", msg.Subject, err)
	}

	var firstErr error
	delivered := 0
	for _, conn := range targets {
		if err := r.publish(ctx, route, conn, msg, payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.bump(func(st *Stats) { st.Routed++ })
	}
	if delivered == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

// match returns the highest-priority route whose pattern matches the
// subject and whose condition admits the message.
func (r *Router) match(msg protocol.Message) (protocol.MessageRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, route := range r.routes {
		if !MatchSubject(route.Pattern, msg.Subject) {
			continue
		}
		if !r.routeAdmitsLocked(route, msg) {
			continue
		}
		return route, true
	}
	return protocol.MessageRoute{}, false
}

// routeAdmitsLocked checks a route's condition against the message.
// MessageType and MinUrgency gate on the message itself. MaxLoad is
// endpoint state: a route whose every registered endpoint is above it is
// skipped so a lower-priority route can take the message. Caller must
// hold r.mu.
func (r *Router) routeAdmitsLocked(route protocol.MessageRoute, msg protocol.Message) bool {
	cond := route.Condition
	if cond == nil {
		return true
	}
	if cond.MessageType != "" && cond.MessageType != string(msg.Type) {
		return false
	}
	if cond.MinUrgency > 0 && msg.Urgency < cond.MinUrgency {
		return false
	}
	if cond.MaxLoad > 0 {
		for _, name := range route.Endpoints {
			if conn, ok := r.conns[name]; ok && conn.Load() <= cond.MaxLoad {
				return true
			}
		}
		return false
	}
	return true
}

// selectEndpoints filters the route's endpoints down to usable connections
// and applies the routing strategy.
func (r *Router) selectEndpoints(route protocol.MessageRoute, msg protocol.Message) ([]*Connection, error) {
	r.mu.Lock()
	var usable []*Connection
	for _, name := range route.Endpoints {
		conn, ok := r.conns[name]
		if !ok {
			continue
		}
		if route.Condition != nil && route.Condition.MaxLoad > 0 && conn.Load() > route.Condition.MaxLoad {
			continue
		}
		if conn.Bus.Health() < r.cfg.HealthFloor {
			continue
		}
		if !r.bank.Get(name).Allow() {
			continue
		}
		usable = append(usable, conn)
	}
	if len(usable) == 0 {
		r.mu.Unlock()
		return nil, &protocol.NoEndpointError{Route: route.Name, Subject: msg.Subject}
	}

	var targets []*Connection
	switch route.Strategy {
	case protocol.RouteBroadcast:
		targets = usable
	case protocol.RouteLoadBalanced:
		best := usable[0]
		for _, c := range usable[1:] {
			if c.Load() < best.Load() {
				best = c
			}
		}
		targets = []*Connection{best}
	case protocol.RouteConditional:
		// Conditions already filtered usable; take the first survivor.
		targets = usable[:1]
	default: // round robin
		i := r.cursor[route.Name] % len(usable)
		r.cursor[route.Name] = i + 1
		targets = []*Connection{usable[i]}
	}
	r.mu.Unlock()
	return targets, nil
}

// publish delivers the encoded message to one connection, retrying per the
// route's backoff schedule and dead-lettering on exhaustion. Breaker state
// is fed on every attempt.
func (r *Router) publish(ctx context.Context, route protocol.MessageRoute, conn *Connection, msg protocol.Message, payload []byte) error {
	br := r.bank.Get(conn.Name)
	attempts := 0

	err := retry.Do(ctx, scheduleBackoff(route.Retry), func(ctx context.Context) error {
		if attempts > 0 {
			r.bump(func(st *Stats) { st.Retried++ })
			if !br.Allow() {
				return retry.RetryableError(&protocol.BreakerOpenError{Connection: conn.Name})
			}
		}
		attempts++

		conn.inFlight.Add(1)
		pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		perr := conn.Bus.Publish(pubCtx, msg.Subject, msg.DedupKey(), payload)
		cancel()
		conn.inFlight.Add(-1)

		if perr != nil {
			br.RecordFailure()
			return retry.RetryableError(perr)
		}
		br.RecordSuccess()
		return nil
	})
	if err == nil {
		return nil
	}

	if route.Retry.DeadLetter == "" {
		r.emit(ctx, protocol.EventMessageDropped, msg.AgentID, msg.JobID,
			fmt.Sprintf(`{"subject":%q,"attempts":%d,"reason":"retries exhausted"}`, msg.Subject, attempts))
		r.bump(func(st *Stats) { st.Dropped++ })
		return fmt.Errorf("publish %s via %s failed after %d attempts: %w", msg.Subject, conn.Name, attempts, err)
	}

	r.deadLetter(ctx, conn, msg, payload, route.Retry.DeadLetter)
	return &protocol.DeadLetteredError{Subject: msg.Subject, Attempts: attempts, Target: route.Retry.DeadLetter, Err: err}
}

// dropUndeliverable records a message that matched a route but had no
// usable endpoint: the drop is counted, and the message goes to the
// route's dead-letter target when one is configured.
func (r *Router) dropUndeliverable(ctx context.Context, route protocol.MessageRoute, msg protocol.Message) {
	r.bump(func(st *Stats) { st.Dropped++ })
	r.emit(ctx, protocol.EventMessageDropped, msg.AgentID, msg.JobID,
		fmt.Sprintf(`{"subject":%q,"route":%q,"reason":"no usable endpoint"}`, msg.Subject, route.Name))

	if route.Retry.DeadLetter == "" {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("dead letter encode failed", "subject", msg.Subject, "err", err)
		return
	}
	r.deadLetter(ctx, r.anyConnection(), msg, payload, route.Retry.DeadLetter)
}

// anyConnection returns the lexicographically first registered connection,
// nil when none exist. Dead-letter writes fall back to it when the route's
// own endpoints are unusable.
func (r *Router) anyConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Connection
	for name, conn := range r.conns {
		if best == nil || name < best.Name {
			best = conn
		}
	}
	return best
}

// deadLetter writes the undeliverable message to the dead-letter topic.
// The write is best effort: a broken transport must not lose the audit
// trail, so the event row records the message either way.
func (r *Router) deadLetter(ctx context.Context, conn *Connection, msg protocol.Message, payload []byte, target string) {
	if conn == nil {
		r.logger.Error("dead letter write skipped, no connections", "subject", msg.Subject, "target", target)
	} else {
		dlCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		if err := conn.Bus.Publish(dlCtx, target, msg.DedupKey(), payload); err != nil {
			r.logger.Error("dead letter write failed", "subject", msg.Subject, "target", target, "err", err)
		}
		cancel()
	}

	r.bump(func(st *Stats) { st.DeadLettered++ })
	r.emit(ctx, protocol.EventMessageDeadLetter, msg.AgentID, msg.JobID,
		fmt.Sprintf(`{"subject":%q,"target":%q}`, msg.Subject, target))
}

// Run drives the flush loop: held mergeable messages whose window expired
// are delivered, and stale dedup markers are pruned. Blocks until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush delivers all held messages whose dedup window has expired. Each
// flushed message carries the merge count accumulated inside the window.
func (r *Router) Flush(ctx context.Context) {
	msgs, err := r.dedup.PopExpired(ctx, r.nowFunc())
	if err != nil {
		r.logger.Warn("dedup flush", "err", err)
		return
	}
	for _, msg := range msgs {
		if msg.MergeCount > 1 {
			r.bump(func(st *Stats) { st.Deduplicated++ })
		}
		if err := r.deliver(ctx, msg); err != nil {
			r.logger.Warn("flush delivery", "subject", msg.Subject, "err", err)
		}
	}
}

// MatchSubject reports whether a dot-separated subject matches the
// pattern. "*" matches exactly one segment; ">" matches the remainder.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, seg := range pp {
		if seg == ">" {
			return i < len(sp)
		}
		if i >= len(sp) {
			return false
		}
		if seg != "*" && seg != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

// scheduleBackoff turns a route's retry policy into a backoff: attempt N
// waits Backoff[N] (the last entry repeats), and retries stop after
// MaxRetries.
func scheduleBackoff(p protocol.RetryPolicy) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.MaxRetries {
			return 0, true
		}
		var delay time.Duration
		if len(p.Backoff) > 0 {
			i := attempt
			if i >= len(p.Backoff) {
				i = len(p.Backoff) - 1
			}
			delay = p.Backoff[i]
		}
		attempt++
		return delay, false
	})
}

func (r *Router) bump(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Router) emit(ctx context.Context, evType, agentID, taskID, payload string) {
	if r.db != nil {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO events (type, source, agent_id, task_id, payload) VALUES (?, 'router', ?, ?, ?)`,
			evType, agentID, taskID, payload); err != nil {
			r.logger.Warn("log event", "type", evType, "err", err)
		}
	}
	ev := protocol.Event{Type: evType, Source: "router", AgentID: agentID, TaskID: taskID, Payload: payload, CreatedAt: r.nowFunc()}
	select {
	case r.events <- ev:
	default:
	}
}
