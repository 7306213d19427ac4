package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AllocationRow is one row of the allocations table.
type AllocationRow struct {
	TaskID      string
	AgentID     string
	Confidence  float64
	Status      string
	AllocatedAt time.Time
}

// RecoveryRow is one row of the recovery_actions table.
type RecoveryRow struct {
	ActionName string
	CheckName  string
	Success    bool
	RolledBack bool
	ExecutedAt time.Time
}

// ActiveAllocations returns allocations still marked active, newest first.
func (r *Reader) ActiveAllocations(ctx context.Context) ([]AllocationRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_id, agent_id, confidence, status, allocated_at
		 FROM allocations WHERE status = 'active' ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []AllocationRow
	for rows.Next() {
		var (
			a  AllocationRow
			at string
		)
		if err := rows.Scan(&a.TaskID, &a.AgentID, &a.Confidence, &a.Status, &at); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.AllocatedAt = parseDBTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentRecoveries returns the most recent remediation executions,
// newest first.
func (r *Reader) RecentRecoveries(ctx context.Context, limit int) ([]RecoveryRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT action_name, check_name, success, rolled_back, executed_at
		 FROM recovery_actions ORDER BY executed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recovery actions: %w", err)
	}
	defer rows.Close()

	var out []RecoveryRow
	for rows.Next() {
		var (
			rec      RecoveryRow
			success  int
			rolled   int
			executed string
		)
		if err := rows.Scan(&rec.ActionName, &rec.CheckName, &success, &rolled, &executed); err != nil {
			return nil, fmt.Errorf("scan recovery action: %w", err)
		}
		rec.Success = success != 0
		rec.RolledBack = rolled != 0
		rec.ExecutedAt = parseDBTime(executed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecoverySuccessRate reports the fraction of successful remediations in
// the window ending now. With no remediations it reports 1.
func (r *Reader) RecoverySuccessRate(ctx context.Context, window time.Duration) (float64, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.DateTime)
	var total, ok sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM recovery_actions WHERE executed_at >= ?`,
		cutoff).Scan(&total, &ok)
	if err != nil {
		return 0, fmt.Errorf("query recovery rate: %w", err)
	}
	if total.Int64 == 0 {
		return 1, nil
	}
	return float64(ok.Int64) / float64(total.Int64), nil
}

func parseDBTime(s string) time.Time {
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
