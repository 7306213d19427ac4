// Package main implements the swarm-dash read-only status dashboard.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"swarm/pkg/eventlog"
)

func main() {
	dbPath := flag.String("db", "", "runtime database path")
	flag.Parse()

	path := *dbPath
	if path == "" {
		path = eventlog.DefaultDBPath()
	}

	p := tea.NewProgram(newModel(path), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
