package protocol

// SchemaDDL defines the SQLite schema for the swarm runtime database.
// Tables: events, allocations, task_history, conflict_resolutions,
// recovery_actions. Execute against a SQLite database with:
// db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: every domain event emitted by the core
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    agent_id TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);

-- Active and historical task-to-agent allocations
CREATE TABLE IF NOT EXISTS allocations (
    id INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    confidence REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    allocated_at TEXT NOT NULL DEFAULT (datetime('now')),
    estimated_completion TEXT,
    completed_at TEXT
);

-- Per-agent task outcomes feeding the rolling history score
CREATE TABLE IF NOT EXISTS task_history (
    id INTEGER PRIMARY KEY,
    agent_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    success INTEGER NOT NULL,
    performance REAL NOT NULL DEFAULT 0,
    completed_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_history_agent ON task_history(agent_id, completed_at);

-- Append-only arbitration audit trail
CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id TEXT PRIMARY KEY,
    decision_ids TEXT NOT NULL,
    outcome TEXT NOT NULL,
    selected_id TEXT,
    confidence REAL NOT NULL,
    strategy TEXT NOT NULL,
    resolved_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Remediation executions for resilience scoring
CREATE TABLE IF NOT EXISTS recovery_actions (
    id TEXT PRIMARY KEY,
    action_name TEXT NOT NULL,
    check_name TEXT NOT NULL,
    success INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    rollback_required INTEGER NOT NULL DEFAULT 0,
    rolled_back INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    executed_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
