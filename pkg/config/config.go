// Package config loads the swarm daemon configuration: scheduler tuning,
// arbitration thresholds, the route table, breaker and dedup settings, the
// health check definitions and the fault-action catalogue. YAML is the
// primary format; .toml files are accepted by extension. The file-side
// types convert to the runtime protocol types via the *Protocol methods.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"swarm/pkg/protocol"
)

// Duration is a time.Duration that unmarshals from "90s"-style strings in
// both YAML and TOML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Database  string          `yaml:"database" toml:"database"`
	LogLevel  string          `yaml:"log_level" toml:"log_level"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Arbiter   ArbiterConfig   `yaml:"arbiter" toml:"arbiter"`
	Router    RouterConfig    `yaml:"router" toml:"router"`
	Breaker   BreakerConfig   `yaml:"breaker" toml:"breaker"`
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Fault     FaultConfig     `yaml:"fault" toml:"fault"`
}

// SchedulerConfig tunes agent scoring and the sweep loop.
type SchedulerConfig struct {
	Strategy            string   `yaml:"strategy" toml:"strategy"`
	ScoreWeight         float64  `yaml:"score_weight" toml:"score_weight"`
	PredictionWeight    float64  `yaml:"prediction_weight" toml:"prediction_weight"`
	StaleAfter          Duration `yaml:"stale_after" toml:"stale_after"`
	SweepInterval       Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	CompletionGrace     Duration `yaml:"completion_grace" toml:"completion_grace"`
	HistoryWindow       Duration `yaml:"history_window" toml:"history_window"`
	ResponseTimeCeiling Duration `yaml:"response_time_ceiling" toml:"response_time_ceiling"`
	LoadCeiling         float64  `yaml:"load_ceiling" toml:"load_ceiling"`
}

// ArbiterConfig tunes conflict detection and resolution.
type ArbiterConfig struct {
	ConsensusThreshold float64            `yaml:"consensus_threshold" toml:"consensus_threshold"`
	PriorityConfidence float64            `yaml:"priority_confidence" toml:"priority_confidence"`
	ConflictWindow     Duration           `yaml:"conflict_window" toml:"conflict_window"`
	ResourceCapacity   float64            `yaml:"resource_capacity" toml:"resource_capacity"`
	AgentWeights       map[string]float64 `yaml:"agent_weights" toml:"agent_weights"`
}

// RouterConfig carries the route table and dedup tuning.
type RouterConfig struct {
	DedupWindow     Duration      `yaml:"dedup_window" toml:"dedup_window"`
	HealthFloor     float64       `yaml:"health_floor" toml:"health_floor"`
	CleanupInterval Duration      `yaml:"cleanup_interval" toml:"cleanup_interval"`
	PublishTimeout  Duration      `yaml:"publish_timeout" toml:"publish_timeout"`
	RedisAddr       string        `yaml:"redis_addr" toml:"redis_addr"` // shared dedup store; empty = in-memory
	Routes          []RouteConfig `yaml:"routes" toml:"routes"`
}

// RouteConfig is the file-side shape of a message route.
type RouteConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Pattern   string            `yaml:"pattern" toml:"pattern"`
	Priority  int               `yaml:"priority" toml:"priority"`
	Strategy  string            `yaml:"strategy" toml:"strategy"`
	Condition *RouteCondition   `yaml:"condition" toml:"condition"`
	Endpoints []string          `yaml:"endpoints" toml:"endpoints"`
	Retry     RetryPolicyConfig `yaml:"retry" toml:"retry"`
}

// RouteCondition mirrors protocol.RouteCondition for the file format.
type RouteCondition struct {
	MessageType string  `yaml:"message_type" toml:"message_type"`
	MinUrgency  int     `yaml:"min_urgency" toml:"min_urgency"`
	MaxLoad     float64 `yaml:"max_load" toml:"max_load"`
}

// RetryPolicyConfig is the file-side shape of a retry policy.
type RetryPolicyConfig struct {
	MaxRetries int        `yaml:"max_retries" toml:"max_retries"`
	Backoff    []Duration `yaml:"backoff" toml:"backoff"`
	DeadLetter string     `yaml:"dead_letter" toml:"dead_letter"`
}

// Protocol converts the route table to runtime routes.
func (rc RouterConfig) Protocol() []protocol.MessageRoute {
	out := make([]protocol.MessageRoute, 0, len(rc.Routes))
	for _, r := range rc.Routes {
		route := protocol.MessageRoute{
			Name:      r.Name,
			Pattern:   r.Pattern,
			Priority:  r.Priority,
			Strategy:  protocol.RoutingStrategy(r.Strategy),
			Endpoints: append([]string(nil), r.Endpoints...),
			Retry: protocol.RetryPolicy{
				MaxRetries: r.Retry.MaxRetries,
				DeadLetter: r.Retry.DeadLetter,
			},
		}
		for _, b := range r.Retry.Backoff {
			route.Retry.Backoff = append(route.Retry.Backoff, b.Std())
		}
		if r.Condition != nil {
			route.Condition = &protocol.RouteCondition{
				MessageType: r.Condition.MessageType,
				MinUrgency:  r.Condition.MinUrgency,
				MaxLoad:     r.Condition.MaxLoad,
			}
		}
		out = append(out, route)
	}
	return out
}

// BreakerConfig tunes the circuit breaker bank defaults.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold" toml:"success_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout" toml:"open_timeout"`
}

// BrokerConfig selects the message bus. With no Kafka seeds the daemon
// runs on the in-process broker.
type BrokerConfig struct {
	KafkaSeeds    []string `yaml:"kafka_seeds" toml:"kafka_seeds"`
	ConsumerGroup string   `yaml:"consumer_group" toml:"consumer_group"`
}

// HealthConfig defines the probe set.
type HealthConfig struct {
	DefaultInterval Duration            `yaml:"default_interval" toml:"default_interval"`
	DefaultTimeout  Duration            `yaml:"default_timeout" toml:"default_timeout"`
	Checks          []HealthCheckConfig `yaml:"checks" toml:"checks"`
}

// HealthCheckConfig is the file-side shape of a health check.
type HealthCheckConfig struct {
	Name             string   `yaml:"name" toml:"name"`
	Kind             string   `yaml:"kind" toml:"kind"`
	Endpoint         string   `yaml:"endpoint" toml:"endpoint"`
	Interval         Duration `yaml:"interval" toml:"interval"`
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
	SuccessThreshold int      `yaml:"success_threshold" toml:"success_threshold"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	Critical         bool     `yaml:"critical" toml:"critical"`
}

// Protocol converts the check definitions to runtime checks.
func (hc HealthConfig) Protocol() []protocol.HealthCheck {
	out := make([]protocol.HealthCheck, 0, len(hc.Checks))
	for _, c := range hc.Checks {
		out = append(out, protocol.HealthCheck{
			Name:             c.Name,
			Kind:             protocol.HealthCheckKind(c.Kind),
			Endpoint:         c.Endpoint,
			Interval:         c.Interval.Std(),
			Timeout:          c.Timeout.Std(),
			SuccessThreshold: c.SuccessThreshold,
			FailureThreshold: c.FailureThreshold,
			Critical:         c.Critical,
		})
	}
	return out
}

// FaultConfig carries the remediation catalogue and resilience tuning.
type FaultConfig struct {
	ResilienceFloor    float64             `yaml:"resilience_floor" toml:"resilience_floor"`
	ResilienceInterval Duration            `yaml:"resilience_interval" toml:"resilience_interval"`
	Actions            []FaultActionConfig `yaml:"actions" toml:"actions"`
}

// FaultActionConfig is the file-side shape of a fault action.
type FaultActionConfig struct {
	Name      string   `yaml:"name" toml:"name"`
	Type      string   `yaml:"type" toml:"type"`
	Triggers  []string `yaml:"triggers" toml:"triggers"`
	Threshold int      `yaml:"threshold" toml:"threshold"`
	Cooldown  Duration `yaml:"cooldown" toml:"cooldown"`
	Target    string   `yaml:"target" toml:"target"`
}

// Protocol converts the catalogue to runtime actions.
func (fc FaultConfig) Protocol() []protocol.FaultAction {
	out := make([]protocol.FaultAction, 0, len(fc.Actions))
	for _, a := range fc.Actions {
		out = append(out, protocol.FaultAction{
			Name:      a.Name,
			Type:      protocol.ActionType(a.Type),
			Triggers:  append([]string(nil), a.Triggers...),
			Threshold: a.Threshold,
			Cooldown:  a.Cooldown.Std(),
			Target:    a.Target,
		})
	}
	return out
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return Config{LogLevel: "info"}
}

// Load reads and validates a configuration file, chosen by extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants. Zero values are legal: each
// component resolves its own defaults.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}

	if w := c.Scheduler.ScoreWeight + c.Scheduler.PredictionWeight; w != 0 && (w < 0.99 || w > 1.01) {
		return fmt.Errorf("config: scheduler score/prediction weights sum to %v, want 1", w)
	}
	if c.Arbiter.ConsensusThreshold < 0 || c.Arbiter.ConsensusThreshold > 1 {
		return fmt.Errorf("config: consensus threshold %v out of [0,1]", c.Arbiter.ConsensusThreshold)
	}
	if c.Router.HealthFloor < 0 || c.Router.HealthFloor > 1 {
		return fmt.Errorf("config: router health floor %v out of [0,1]", c.Router.HealthFloor)
	}

	seen := make(map[string]struct{}, len(c.Router.Routes))
	for _, r := range c.Router.Routes {
		if r.Name == "" {
			return fmt.Errorf("config: route with empty name")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("config: duplicate route %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Pattern == "" {
			return fmt.Errorf("config: route %s has no pattern", r.Name)
		}
		if len(r.Endpoints) == 0 {
			return fmt.Errorf("config: route %s has no endpoints", r.Name)
		}
		switch protocol.RoutingStrategy(r.Strategy) {
		case "", protocol.RouteRoundRobin, protocol.RouteLoadBalanced, protocol.RouteBroadcast, protocol.RouteConditional:
		default:
			return fmt.Errorf("config: route %s has unknown strategy %q", r.Name, r.Strategy)
		}
	}

	for _, hc := range c.Health.Checks {
		if hc.Name == "" {
			return fmt.Errorf("config: health check with empty name")
		}
		switch protocol.HealthCheckKind(hc.Kind) {
		case protocol.CheckHTTP, protocol.CheckTCP:
			if hc.Endpoint == "" {
				return fmt.Errorf("config: %s check %s has no endpoint", hc.Kind, hc.Name)
			}
		case protocol.CheckDatabase, protocol.CheckQueueDepth, protocol.CheckCustom:
		default:
			return fmt.Errorf("config: health check %s has unknown kind %q", hc.Name, hc.Kind)
		}
	}

	for _, a := range c.Fault.Actions {
		if a.Name == "" {
			return fmt.Errorf("config: fault action with empty name")
		}
		if len(a.Triggers) == 0 {
			return fmt.Errorf("config: fault action %s has no triggers", a.Name)
		}
		switch protocol.ActionType(a.Type) {
		case protocol.ActionRestart, protocol.ActionFailover, protocol.ActionScaleUp,
			protocol.ActionCircuitBreak, protocol.ActionDegradeService, protocol.ActionNotifyAdmin:
		default:
			return fmt.Errorf("config: fault action %s has unknown type %q", a.Name, a.Type)
		}
	}
	return nil
}
