package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tollgate API server",
		Long: `Start the tollgate API server.

The server loads configuration, opens the database (or in-memory stores when
database.driver is memory), builds the configured providers, tools and agents,
and serves the run, usage, trust and task APIs over HTTP. Budget windows are
pruned on the reset schedule and open workflow tasks are reconciled in the
background. With --watch, edits to budget limits and per-owner overrides take
effect without a restart.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  tollgate serve

  # Start with custom config
  tollgate serve --config /etc/tollgate/production.yaml

  # Start with debug logging
  tollgate serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload budget limits when the config file changes")

	return cmd
}
