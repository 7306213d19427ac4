package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/eventlog"
)

// newEventsCmd creates the "swarmd events" subcommand for inspecting the
// runtime event trail.
func newEventsCmd() *cobra.Command {
	var (
		dbPath  string
		agentID string
		taskID  string
		evType  string
		source  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events from the runtime database",
		Long:  "Queries the events table, newest first. Filters combine with AND.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = eventlog.DefaultDBPath()
			}
			reader, err := eventlog.NewReader(dbPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			events, err := reader.QueryEvents(cmd.Context(), eventlog.QueryOpts{
				AgentID:   agentID,
				TaskID:    taskID,
				EventType: evType,
				Source:    source,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-28s %-10s", e.CreatedAt.Format(time.DateTime), e.Type, e.Source)
				if e.AgentID != "" {
					line += "  agent=" + e.AgentID
				}
				if e.TaskID != "" {
					line += "  task=" + e.TaskID
				}
				if e.Payload != "" {
					line += "  " + e.Payload
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "runtime database path")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&evType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&source, "source", "", "filter by emitting component")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum events to show")
	return cmd
}
