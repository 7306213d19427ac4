package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"swarm/pkg/protocol"
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// AgentID filters events to a specific agent.
	AgentID string

	// TaskID filters events to a specific task.
	TaskID string

	// EventType filters to a specific event type (e.g., "task.allocated",
	// "circuit.breaker.opened").
	EventType string

	// Source filters to an emitting component (scheduler, arbiter,
	// router, health, fault).
	Source string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the runtime event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the runtime database in read-only mode with WAL so
// queries never block the daemon's writers.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// QueryEvents retrieves events matching the filter, newest first.
// Returns an empty slice if no events match.
func (r *Reader) QueryEvents(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var (
			e            protocol.Event
			agentID      sql.NullString
			taskID       sql.NullString
			payload      sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &agentID, &taskID, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.AgentID = agentID.String
		e.TaskID = taskID.String
		e.Payload = payload.String

		if createdAtStr != "" {
			parsed, err := time.Parse(time.DateTime, createdAtStr)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, agent_id, task_id, payload, created_at FROM events WHERE 1=1"

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, opts.Source)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(time.DateTime))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(time.DateTime))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
