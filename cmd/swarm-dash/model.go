package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// refreshInterval is the dashboard refresh cadence.
const refreshInterval = 2 * time.Second

// tickMsg triggers a periodic data refresh.
type tickMsg time.Time

// snapshotMsg carries freshly fetched dashboard data.
type snapshotMsg Snapshot

// errMsg carries a fetch failure; the dashboard keeps the last good data.
type errMsg struct{ err error }

// tickCmd schedules the next refresh.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the Bubble Tea model for the swarm dashboard.
type Model struct {
	dbPath string
	styles Styles

	snapshot Snapshot
	fetched  bool
	err      error

	width  int
	height int
}

// newModel creates a dashboard model reading from the given database.
func newModel(dbPath string) Model {
	return Model{
		dbPath: dbPath,
		styles: NewStyles(DefaultTheme()),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.dbPath), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshotCmd(m.dbPath)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.fetched = true
		m.err = nil

	case errMsg:
		m.err = msg.err

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.dbPath), tickCmd())
	}

	return m, nil
}
