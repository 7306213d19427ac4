package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"swarm/pkg/eventlog"
	"swarm/pkg/protocol"
)

// eventLimit is how many recent events the dashboard shows.
const eventLimit = 15

// recoveryWindow is the window for the displayed recovery success rate.
const recoveryWindow = time.Hour

// Snapshot is one refresh worth of dashboard data.
type Snapshot struct {
	Events       []protocol.Event
	Allocations  []eventlog.AllocationRow
	Recoveries   []eventlog.RecoveryRow
	RecoveryRate float64
}

// fetchSnapshot reads the runtime database once. The reader is opened per
// refresh so the dashboard survives the daemon recreating the database.
func fetchSnapshot(ctx context.Context, dbPath string) (Snapshot, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return Snapshot{}, err
	}
	defer reader.Close()

	var snap Snapshot
	if snap.Events, err = reader.QueryEvents(ctx, eventlog.QueryOpts{Limit: eventLimit}); err != nil {
		return Snapshot{}, err
	}
	if snap.Allocations, err = reader.ActiveAllocations(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Recoveries, err = reader.RecentRecoveries(ctx, 5); err != nil {
		return Snapshot{}, err
	}
	if snap.RecoveryRate, err = reader.RecoverySuccessRate(ctx, recoveryWindow); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// fetchSnapshotCmd returns a tea.Cmd that fetches a snapshot.
func fetchSnapshotCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(context.Background(), dbPath)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}
