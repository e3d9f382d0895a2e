// Package main provides the CLI entry point for tollgate, an agent run
// orchestrator that gates tool calls behind owner approval and meters every
// model turn against a spending budget.
//
// # Basic Usage
//
// Start the server:
//
//	tollgate serve --config tollgate.yaml
//
// Apply the database schema:
//
//	tollgate migrate up
//
// Mint a bearer token for an owner:
//
//	tollgate token alice
//
// Chat with an agent, approving tool calls at the terminal:
//
//	tollgate run --agent assistant "summarize my inbox"
//
// # Environment Variables
//
//   - TOLLGATE_CONFIG: Path to configuration file (default: tollgate.yaml)
//   - TOLLGATE_DATABASE_URL: Overrides database.url
//   - TOLLGATE_JWT_SECRET: Overrides auth.jwt_secret
//   - TOLLGATE_TOKEN: Bearer token used by client commands
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: Provider keys
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "tollgate.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tollgate",
		Short: "tollgate - agent runs with tool approval and spending limits",
		Long: `tollgate runs LLM agents on behalf of owners. Every tool call the model
proposes is either auto-approved from the owner's trust records or paused
for a decision, and every model turn is admitted against a budget window.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildRunCmd(),
		buildUsageCmd(),
		buildTrustCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tollgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath prefers an explicit flag, then TOLLGATE_CONFIG.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("TOLLGATE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
