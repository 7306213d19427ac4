// Package protocol defines the shared domain types for the swarm
// coordination core: agent metrics, task requests, allocations, decision
// proposals, conflict resolutions, message routes, health checks and fault
// actions. It also carries the typed errors, domain event constants and the
// SQLite schema used by the runtime database.
package protocol

import (
	"fmt"
	"time"
)

// Capability classifies what kind of work an agent can execute.
type Capability string

// Capability constants.
const (
	CapabilityCompute  Capability = "compute"
	CapabilityStorage  Capability = "storage"
	CapabilityNetwork  Capability = "network"
	CapabilityAnalysis Capability = "analysis"
	CapabilityGeneral  Capability = "general"
)

// AgentStatus is the health classification of a worker agent.
type AgentStatus string

// Agent status constants.
const (
	AgentHealthy  AgentStatus = "healthy"
	AgentDegraded AgentStatus = "degraded"
	AgentCritical AgentStatus = "critical"
	AgentOffline  AgentStatus = "offline"
)

// AgentMetrics holds the live metrics for a registered worker agent.
// Gauges are in [0,1]. CurrentLoad <= Capacity is a soft target: the
// scheduler may over-commit, but over-committed agents score poorly.
type AgentMetrics struct {
	ID            string        `json:"id"`
	Capability    Capability    `json:"capability"`
	CPUUsage      float64       `json:"cpu_usage"`
	MemoryUsage   float64       `json:"memory_usage"`
	ResponseTime  time.Duration `json:"response_time"`
	ErrorRate     float64       `json:"error_rate"`
	Throughput    float64       `json:"throughput"` // tasks per minute
	Capacity      int           `json:"capacity"`
	CurrentLoad   int           `json:"current_load"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Status        AgentStatus   `json:"status"`
}

// TaskPriority orders task requests.
type TaskPriority string

// Task priority constants.
const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// TaskRequest is an incoming unit of work. Immutable once submitted.
type TaskRequest struct {
	ID               string        `json:"id"`
	Capability       Capability    `json:"capability"`
	Priority         TaskPriority  `json:"priority"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	CPURequired      float64       `json:"cpu_required"`
	MemoryRequired   float64       `json:"memory_required"`
	NetworkRequired  float64       `json:"network_required,omitempty"`
	Deadline         *time.Time    `json:"deadline,omitempty"`
	DependsOn        []string      `json:"depends_on,omitempty"`
}

// AgentAllocation binds a task to the agent chosen to run it. Created by
// the scheduler, destroyed when the task completes or times out.
type AgentAllocation struct {
	TaskID              string    `json:"task_id"`
	AgentID             string    `json:"agent_id"`
	AllocatedAt         time.Time `json:"allocated_at"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Confidence          float64   `json:"confidence"` // [0,100]
}

// DecisionType is the fixed set of decision categories agents may propose.
type DecisionType string

// Decision type constants.
const (
	DecisionResourceAllocation DecisionType = "resource_allocation"
	DecisionTaskPriority       DecisionType = "task_priority"
	DecisionCacheInvalidation  DecisionType = "cache_invalidation"
	DecisionRateLimiting       DecisionType = "rate_limiting"
	DecisionSecurityAction     DecisionType = "security_action"
)

// ImpactVector estimates the expected impact of a decision per domain,
// each component in [-1,1].
type ImpactVector struct {
	Performance    float64 `json:"performance"`
	Resource       float64 `json:"resource"`
	Security       float64 `json:"security"`
	UserExperience float64 `json:"user_experience"`
}

// Proposal carries the decision payload. Which fields are meaningful
// depends on the DecisionType; the arbitrator only inspects the fields
// relevant to the type's conflict rules.
type Proposal struct {
	ResourceID     string   `json:"resource_id,omitempty"`
	Amount         float64  `json:"amount,omitempty"` // requested share of capacity, [0,1]
	TaskID         string   `json:"task_id,omitempty"`
	TargetPriority int      `json:"target_priority,omitempty"`
	CacheKeys      []string `json:"cache_keys,omitempty"`
	Action         string   `json:"action,omitempty"` // e.g. "block", "allow"
	Target         string   `json:"target,omitempty"`
	RateLimit      float64  `json:"rate_limit,omitempty"` // requests per second
}

// DecisionRequest is a proposal submitted by an independent agent.
// Immutable; consumed once resolved.
type DecisionRequest struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agent_id"`
	Type          DecisionType `json:"type"`
	Priority      int          `json:"priority"` // [1,10]
	Proposal      Proposal     `json:"proposal"`
	Justification string       `json:"justification,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	Impact        ImpactVector `json:"impact"`
}

// ResolutionOutcome is the terminal state of a conflict resolution.
type ResolutionOutcome string

// Resolution outcome constants.
const (
	OutcomeAccept ResolutionOutcome = "accept"
	OutcomeReject ResolutionOutcome = "reject"
	OutcomeMerge  ResolutionOutcome = "merge"
	OutcomeDefer  ResolutionOutcome = "defer"
)

// ConflictResolution is the append-only audit record of one arbitration.
type ConflictResolution struct {
	ID          string            `json:"id"`
	DecisionIDs []string          `json:"decision_ids"`
	Outcome     ResolutionOutcome `json:"outcome"`
	Selected    *DecisionRequest  `json:"selected,omitempty"`
	Confidence  float64           `json:"confidence"` // [0,1]
	Strategy    string            `json:"strategy"`   // priority, consensus, merge, weighted
	ResolvedAt  time.Time         `json:"resolved_at"`
}

// RoutingStrategy selects how a route spreads messages over its endpoints.
type RoutingStrategy string

// Routing strategy constants.
const (
	RouteRoundRobin   RoutingStrategy = "round_robin"
	RouteLoadBalanced RoutingStrategy = "load_balanced"
	RouteBroadcast    RoutingStrategy = "broadcast"
	RouteConditional  RoutingStrategy = "conditional"
)

// RouteCondition gates a route on message attributes. Zero values mean
// "no constraint".
type RouteCondition struct {
	MessageType string  `json:"message_type,omitempty" yaml:"message_type"`
	MinUrgency  int     `json:"min_urgency,omitempty" yaml:"min_urgency"`
	MaxLoad     float64 `json:"max_load,omitempty" yaml:"max_load"` // endpoint load ceiling, [0,1]
}

// RetryPolicy controls redelivery for a route.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries" yaml:"max_retries"`
	Backoff    []time.Duration `json:"backoff" yaml:"backoff"` // per-attempt delays; last entry repeats
	DeadLetter string          `json:"dead_letter,omitempty" yaml:"dead_letter"`
}

// MessageRoute maps a subject pattern to candidate endpoints. Configuration
// entity, rarely mutated at runtime.
type MessageRoute struct {
	Name      string          `json:"name" yaml:"name"`
	Pattern   string          `json:"pattern" yaml:"pattern"` // subject pattern, "*" wildcard per segment
	Priority  int             `json:"priority" yaml:"priority"`
	Strategy  RoutingStrategy `json:"strategy" yaml:"strategy"`
	Condition *RouteCondition `json:"condition,omitempty" yaml:"condition"`
	Endpoints []string        `json:"endpoints" yaml:"endpoints"`
	Retry     RetryPolicy     `json:"retry" yaml:"retry"`
}

// HealthCheckKind enumerates the probe implementations.
type HealthCheckKind string

// Health check kinds.
const (
	CheckHTTP       HealthCheckKind = "http"
	CheckTCP        HealthCheckKind = "tcp"
	CheckDatabase   HealthCheckKind = "database"
	CheckQueueDepth HealthCheckKind = "queue_depth"
	CheckCustom     HealthCheckKind = "custom"
)

// HealthState is the derived status of a single health check.
type HealthState string

// Health state constants.
const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthCheck defines one periodic probe.
type HealthCheck struct {
	Name             string          `json:"name" yaml:"name"`
	Kind             HealthCheckKind `json:"kind" yaml:"kind"`
	Endpoint         string          `json:"endpoint,omitempty" yaml:"endpoint"`
	Interval         time.Duration   `json:"interval" yaml:"interval"`
	Timeout          time.Duration   `json:"timeout" yaml:"timeout"`
	SuccessThreshold int             `json:"success_threshold" yaml:"success_threshold"`
	FailureThreshold int             `json:"failure_threshold" yaml:"failure_threshold"`
	Critical         bool            `json:"critical" yaml:"critical"`
}

// HealthStatus is the live status attached to a check, recomputed on every
// probe.
type HealthStatus struct {
	State                HealthState   `json:"state"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastResponseTime     time.Duration `json:"last_response_time"`
	LastChecked          time.Time     `json:"last_checked"`
	Trend                string        `json:"trend"` // improving, stable, degrading
}

// ActionType enumerates remediation actions the fault manager can run.
type ActionType string

// Fault action types.
const (
	ActionRestart        ActionType = "restart"
	ActionFailover       ActionType = "failover"
	ActionScaleUp        ActionType = "scale_up"
	ActionCircuitBreak   ActionType = "circuit_break"
	ActionDegradeService ActionType = "degrade_service"
	ActionNotifyAdmin    ActionType = "notify_admin"
)

// FaultAction is a declarative remediation rule from the fault catalogue.
type FaultAction struct {
	Name      string        `json:"name" yaml:"name"`
	Type      ActionType    `json:"type" yaml:"type"`
	Triggers  []string      `json:"triggers" yaml:"triggers"` // health check names
	Threshold int           `json:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `json:"cooldown" yaml:"cooldown"`
	Target    string        `json:"target,omitempty" yaml:"target"` // service/connection acted on
}

// RecoveryAction records one execution of a FaultAction.
type RecoveryAction struct {
	ID               string        `json:"id"`
	ActionName       string        `json:"action_name"`
	CheckName        string        `json:"check_name"`
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	RollbackRequired bool          `json:"rollback_required"`
	RolledBack       bool          `json:"rolled_back"`
	Error            string        `json:"error,omitempty"`
	ExecutedAt       time.Time     `json:"executed_at"`
}

// Rank maps a task priority to its ordering rank.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the priority is one of the defined levels.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Validate checks structural invariants on a decision request.
func (d DecisionRequest) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("decision id is required")
	}
	if d.AgentID == "" {
		return fmt.Errorf("decision %s: agent id is required", d.ID)
	}
	if d.Priority < 1 || d.Priority > 10 {
		return fmt.Errorf("decision %s: priority %d out of range [1,10]", d.ID, d.Priority)
	}
	switch d.Type {
	case DecisionResourceAllocation, DecisionTaskPriority, DecisionCacheInvalidation,
		DecisionRateLimiting, DecisionSecurityAction:
	default:
		return fmt.Errorf("decision %s: unknown type %q", d.ID, d.Type)
	}
	return nil
}
