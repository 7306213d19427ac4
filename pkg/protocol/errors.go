package protocol

import "fmt"

// NoEligibleAgentError reports that allocation found no agent matching the
// task's capability, health and load requirements. This is a normal
// capacity outcome, not a fault.
type NoEligibleAgentError struct {
	TaskID     string
	Capability Capability
	Candidates int // agents of the right capability that failed the filters
}

func (e *NoEligibleAgentError) Error() string {
	return fmt.Sprintf("no eligible agent for task %s (capability %s, %d candidates filtered out)",
		e.TaskID, e.Capability, e.Candidates)
}

// AllocationNotFoundError reports a completion for a task the scheduler is
// not tracking.
type AllocationNotFoundError struct {
	TaskID string
}

func (e *AllocationNotFoundError) Error() string {
	return fmt.Sprintf("no active allocation for task %s", e.TaskID)
}

// RouteNotFoundError reports that a subject matched no configured route.
type RouteNotFoundError struct {
	Subject string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route matches subject %q", e.Subject)
}

// BreakerOpenError reports a publish refused because the connection's
// circuit breaker is open.
type BreakerOpenError struct {
	Connection string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for connection %s", e.Connection)
}

// NoEndpointError reports that a matched route had no usable endpoint
// (all breakers open or health below floor).
type NoEndpointError struct {
	Route   string
	Subject string
}

func (e *NoEndpointError) Error() string {
	return fmt.Sprintf("route %s: no healthy endpoint for subject %q", e.Route, e.Subject)
}

// DeadLetteredError reports that delivery exhausted its retries and the
// message went to the dead-letter target.
type DeadLetteredError struct {
	Subject  string
	Attempts int
	Target   string
	Err      error
}

func (e *DeadLetteredError) Error() string {
	return fmt.Sprintf("message on %q dead-lettered to %s after %d attempts: %v",
		e.Subject, e.Target, e.Attempts, e.Err)
}

func (e *DeadLetteredError) Unwrap() error { return e.Err }

// CheckNotFoundError reports an operation against an unregistered health check.
type CheckNotFoundError struct {
	Name string
}

func (e *CheckNotFoundError) Error() string {
	return fmt.Sprintf("health check %s not registered", e.Name)
}
