package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"swarm/pkg/eventlog"
	"swarm/pkg/protocol"
)

// seedEventDB creates a runtime database with a few events and returns
// its path.
func seedEventDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "swarm.db")
	db, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	rows := []struct {
		evType, source, agentID, taskID string
	}{
		{protocol.EventAgentRegistered, "scheduler", "agent-1", ""},
		{protocol.EventTaskAllocated, "scheduler", "agent-1", "task-1"},
		{protocol.EventBreakerOpened, "fault", "", ""},
	}
	for _, r := range rows {
		if _, err := db.Exec(
			`INSERT INTO events (type, source, agent_id, task_id) VALUES (?, ?, ?, ?)`,
			r.evType, r.source, r.agentID, r.taskID,
		); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	return path
}

func runEventsCmd(t *testing.T, args ...string) string {
	t.Helper()

	cmd := newEventsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("events %v: %v", args, err)
	}
	return out.String()
}

func TestEventsCommandListsNewestFirst(t *testing.T) {
	out := runEventsCmd(t, "--db", seedEventDB(t))

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], protocol.EventBreakerOpened) {
		t.Errorf("first line = %q, want the breaker event first", lines[0])
	}
}

func TestEventsCommandFiltersBySource(t *testing.T) {
	out := runEventsCmd(t, "--db", seedEventDB(t), "--source", "fault")

	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Fatalf("expected a single line, got:\n%s", out)
	}
	if !strings.Contains(out, protocol.EventBreakerOpened) {
		t.Errorf("output = %q, want the breaker event", out)
	}
}

func TestEventsCommandMissingDB(t *testing.T) {
	cmd := newEventsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "absent.db")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for a missing database")
	}
}
