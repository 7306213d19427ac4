package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"swarm/pkg/eventlog"
	"swarm/pkg/protocol"
)

// setupTestDB creates a populated runtime database and returns its path.
func setupTestDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	db, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := []struct {
		evType  string
		source  string
		agentID string
		taskID  string
		payload string
	}{
		{protocol.EventAgentRegistered, "scheduler", "agent-1", "", `{"capability":"compute"}`},
		{protocol.EventTaskAllocated, "scheduler", "agent-1", "task-1", `{"confidence":82.0}`},
		{protocol.EventTaskCompleted, "scheduler", "agent-1", "task-1", `{"performance":0.9}`},
		{protocol.EventAgentRegistered, "scheduler", "agent-2", "", `{"capability":"storage"}`},
		{protocol.EventBreakerOpened, "fault", "", "", `{"service":"kafka"}`},
		{protocol.EventTaskAllocated, "scheduler", "agent-2", "task-2", `{"confidence":60.0}`},
	}
	for _, e := range events {
		if _, err := db.Exec(
			`INSERT INTO events (type, source, agent_id, task_id, payload) VALUES (?, ?, ?, ?, ?)`,
			e.evType, e.source, e.agentID, e.taskID, e.payload,
		); err != nil {
			t.Fatalf("insert test event: %v", err)
		}
	}
	return dbPath
}

func TestNewReaderMissingDB(t *testing.T) {
	if _, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("opened a reader on a missing database")
	}
}

func TestQueryEventsByAgent(t *testing.T) {
	reader, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	events, err := reader.QueryEvents(context.Background(), eventlog.QueryOpts{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events for agent-1, want 3", len(events))
	}
	for _, e := range events {
		if e.AgentID != "agent-1" {
			t.Errorf("event %d has agent %q, want agent-1", e.ID, e.AgentID)
		}
	}
	// Newest first.
	if events[0].ID < events[1].ID {
		t.Error("events not ordered newest first")
	}
}

func TestQueryEventsByTypeAndSource(t *testing.T) {
	reader, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()
	ctx := context.Background()

	allocations, err := reader.QueryEvents(ctx, eventlog.QueryOpts{EventType: protocol.EventTaskAllocated})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(allocations) != 2 {
		t.Errorf("got %d allocation events, want 2", len(allocations))
	}

	faults, err := reader.QueryEvents(ctx, eventlog.QueryOpts{Source: "fault"})
	if err != nil {
		t.Fatalf("query by source: %v", err)
	}
	if len(faults) != 1 || faults[0].Type != protocol.EventBreakerOpened {
		t.Errorf("fault events = %+v, want the breaker opening", faults)
	}
}

func TestQueryEventsLimit(t *testing.T) {
	reader, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	events, err := reader.QueryEvents(context.Background(), eventlog.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events with limit 2, want 2", len(events))
	}
}

func TestQueryEventsTimeWindow(t *testing.T) {
	reader, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	future := time.Now().Add(time.Hour)
	events, err := reader.QueryEvents(context.Background(), eventlog.QueryOpts{After: &future})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events after the future cutoff, want 0", len(events))
	}
}
