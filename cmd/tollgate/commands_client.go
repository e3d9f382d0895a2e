package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/tollgate/pkg/models"
)

func addClientFlags(cmd *cobra.Command, opts *clientOptions) {
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (used to find the server)")
	cmd.Flags().StringVar(&opts.server, "server", "", "Server address (default: from config)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token (or set TOLLGATE_TOKEN)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner id sent as X-Owner-ID when auth is disabled")
}

// buildTokenCmd creates the "token" command that mints a bearer token
// locally from the configured JWT secret.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Mint a bearer token for an owner",
		Long: `Mint a bearer token signed with auth.jwt_secret.

The token is valid for auth.token_expiry. Pass it to client commands with
--token or TOLLGATE_TOKEN.`,
		Example: `  export TOLLGATE_TOKEN=$(tollgate token alice)`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), args[0], name)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&name, "name", "", "Display name embedded in the token")
	return cmd
}

// buildRunCmd creates the "run" command, an interactive client for one run.
func buildRunCmd() *cobra.Command {
	var (
		opts     clientOptions
		agentID  string
		threadID string
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Start a run and approve its tool calls at the terminal",
		Long: `Start a run against a running server and stream its events.

When the run pauses for approval, each pending tool call is shown with its
arguments and you choose to approve it once, always trust the tool, always
trust its integration, or deny it. The run resumes once every call is decided.`,
		Example: `  tollgate run --agent assistant "what's on my calendar today?"
  tollgate run --thread 6f1c... "and tomorrow?"
  tollgate run --agent assistant --mode deny_untrusted "tidy my inbox"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, agentID, threadID, mode, args[0])
		},
	}
	addClientFlags(cmd, &opts)
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id (required without --thread)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread")
	cmd.Flags().StringVar(&mode, "mode", "interactive", "Approval mode: interactive, deny_untrusted or approve_all")
	return cmd
}

// buildUsageCmd creates the "usage" command group.
func buildUsageCmd() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the current budget window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, opts)
		},
	}
	addClientFlags(cmd, &opts)
	cmd.AddCommand(buildUsageEventsCmd())
	return cmd
}

func buildUsageEventsCmd() *cobra.Command {
	var (
		opts  clientOptions
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent usage ledger entries",
		Example: `  tollgate usage events --since 2h
  tollgate usage events --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageEvents(cmd, opts, since, limit)
		},
	}
	addClientFlags(cmd, &opts)
	cmd.Flags().StringVar(&since, "since", "24h", "How far back to look")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

// buildTrustCmd creates the "trust" command group.
func buildTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trust records",
		Long: `Trust records let tool calls run without asking. A tool record trusts one
tool by name; an integration record trusts every tool of that integration.`,
	}
	cmd.AddCommand(buildTrustListCmd())
	cmd.AddCommand(buildTrustChangeCmd("grant", "Trust a tool or integration"))
	cmd.AddCommand(buildTrustChangeCmd("revoke", "Remove a trust record"))
	return cmd
}

func buildTrustListCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trust records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustList(cmd, opts)
		},
	}
	addClientFlags(cmd, &opts)
	return cmd
}

func buildTrustChangeCmd(action, short string) *cobra.Command {
	var (
		opts  clientOptions
		scope string
	)
	cmd := &cobra.Command{
		Use:     action + " <key>",
		Short:   short,
		Example: "  tollgate trust " + action + " send_email\n  tollgate trust " + action + " --scope integration gmail",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustChange(cmd, opts, action, models.TrustScope(scope), args[0])
		},
	}
	addClientFlags(cmd, &opts)
	cmd.Flags().StringVar(&scope, "scope", string(models.TrustScopeTool), "Record scope: tool or integration")
	return cmd
}
