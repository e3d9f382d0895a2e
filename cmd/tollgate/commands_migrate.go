package main

import (
	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema commands",
		Long: `Manage the database schema.

The schema is idempotent: "up" creates missing tables and indexes and leaves
existing ones untouched. "schema" prints the DDL for a dialect without
connecting to anything.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateSchemaCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply the schema to the configured database",
		Example: `  tollgate migrate up
  TOLLGATE_DATABASE_URL=postgres://localhost/tollgate tollgate migrate up`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildMigrateSchemaCmd() *cobra.Command {
	var dialect string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema DDL",
		Example: `  tollgate migrate schema --dialect postgres
  tollgate migrate schema --dialect sqlite > schema.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateSchema(cmd, dialect)
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", "postgres", "SQL dialect: postgres or sqlite")
	return cmd
}
