package protocol

import "time"

// Domain event types recorded in the events table and fanned out on the
// component event channels. Consumers are statically known; each component
// publishes only its own category.
const (
	EventTaskAllocated     = "task.allocated"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskTimeout       = "task.timeout"
	EventAgentRegistered   = "agent.registered"
	EventAgentOffline      = "agent.offline"
	EventConflictDetected  = "conflict.detected"
	EventConflictResolved  = "conflict.resolved"
	EventDecisionExecuted  = "decision.executed"
	EventDecisionFailed    = "decision.failed"
	EventMessageDedup      = "message.deduplicated"
	EventMessageDropped    = "message.dropped"
	EventMessageDeadLetter = "message.dead_lettered"
	EventStateSynced       = "state.synced"
	EventBreakerOpened     = "circuit.breaker.opened"
	EventBreakerHalfOpen   = "circuit.breaker.half_open"
	EventBreakerClosed     = "circuit.breaker.closed"
	EventHealthChanged     = "health.status.changed"
	EventFaultExecuted     = "fault.action.executed"
	EventFaultFailed       = "fault.action.failed"
	EventFaultRolledBack   = "fault.action.rolled_back"
	EventRollbackFailed    = "fault.rollback.failed"
	EventResilienceWarning = "resilience.warning"
)

// Event is one row of the runtime event log.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // emitting component: scheduler, arbiter, router, ...
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Payload   string    `json:"payload,omitempty"` // JSON detail blob
	CreatedAt time.Time `json:"created_at"`
}
