package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swarm/pkg/config"
)

// newCheckCmd creates the "swarmd check" subcommand: parse and validate a
// config file without starting anything.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config-file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d routes, %d health checks, %d fault actions)\n",
				args[0], len(cfg.Router.Routes), len(cfg.Health.Checks), len(cfg.Fault.Actions))
			return nil
		},
	}
}
