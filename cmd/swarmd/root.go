package main

import (
	"fmt"

	"swarm/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root swarmd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarmd",
		Short:         "Swarm coordination daemon",
		Long:          "swarmd hosts the agent scheduler, decision arbiter, message router,\nhealth monitor and fault manager for a swarm deployment.",
		Version:       fmt.Sprintf("swarmd %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newEventsCmd(),
		newCheckCmd(),
	)

	return cmd
}
