package protocol

import (
	"fmt"
	"time"
)

// MessageType classifies inter-agent messages for dedup/merge handling.
type MessageType string

// Message type constants.
const (
	MsgHeartbeat    MessageType = "heartbeat"
	MsgStatusUpdate MessageType = "status_update"
	MsgMetrics      MessageType = "metrics"
	MsgAllocation   MessageType = "allocation"
	MsgCompletion   MessageType = "completion"
	MsgStateSync    MessageType = "state_sync"
	MsgAlert        MessageType = "alert"
)

// Broker topics the daemon consumes.
const (
	// TopicAgents carries AgentMetrics registrations and heartbeats.
	TopicAgents = "swarm.agents"
	// TopicDecisions carries Decision submissions for arbitration.
	TopicDecisions = "swarm.decisions"
	// TopicMessages carries Messages for the router.
	TopicMessages = "swarm.messages"
)

// Message is the unit routed between agents. Fields carries the latest
// reported values; Counters accumulate across merges.
type Message struct {
	ID         string             `json:"id"`
	Type       MessageType        `json:"type"`
	Subject    string             `json:"subject"`
	AgentID    string             `json:"agent_id,omitempty"`
	JobID      string             `json:"job_id,omitempty"`
	Urgency    int                `json:"urgency,omitempty"` // 0 (routine) .. 10 (page someone)
	Fields     map[string]string  `json:"fields,omitempty"`
	Counters   map[string]float64 `json:"counters,omitempty"`
	MergeCount int                `json:"merge_count,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// DedupKey returns the type-specific deduplication key. Job-scoped events
// collapse per job, everything else per agent. Messages with neither a job
// nor an agent id are never deduplicated.
func (m Message) DedupKey() string {
	if m.JobID != "" {
		return fmt.Sprintf("job:%s:%s", m.JobID, m.Type)
	}
	if m.AgentID != "" {
		return fmt.Sprintf("agent:%s:%s", m.AgentID, m.Type)
	}
	return ""
}

// Mergeable reports whether duplicates of this message type can be merged
// rather than dropped.
func (m Message) Mergeable() bool {
	switch m.Type {
	case MsgHeartbeat, MsgStatusUpdate, MsgMetrics:
		return true
	}
	return false
}

// Merge folds other into m: latest field values win, counters accumulate,
// and the merge count grows by one.
func (m *Message) Merge(other Message) {
	if m.Fields == nil && other.Fields != nil {
		m.Fields = make(map[string]string, len(other.Fields))
	}
	for k, v := range other.Fields {
		m.Fields[k] = v
	}
	if m.Counters == nil && other.Counters != nil {
		m.Counters = make(map[string]float64, len(other.Counters))
	}
	for k, v := range other.Counters {
		m.Counters[k] += v
	}
	if other.Timestamp.After(m.Timestamp) {
		m.Timestamp = other.Timestamp
	}
	if m.MergeCount == 0 {
		m.MergeCount = 1
	}
	m.MergeCount++
}
