package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/stream"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// loadConfigOrDefault loads path, or returns defaults when the file does not exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runToken(cmd *cobra.Command, configPath, ownerID, name string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = promptSecret(cmd.ErrOrStderr(), "JWT secret")
	}
	if secret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	service := auth.NewService(auth.Config{JWTSecret: secret, TokenExpiry: cfg.Auth.TokenExpiry})
	token, err := service.GenerateJWT(&auth.Owner{ID: ownerID, Name: name})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// promptSecret reads a secret without echo. It returns "" when stdin is not a terminal.
func promptSecret(out io.Writer, label string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprintf(out, "%s: ", label)
	text, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(text))
}

type startRunRequest struct {
	ThreadID     string `json:"thread_id"`
	AgentID      string `json:"agent_id,omitempty"`
	Message      string `json:"message"`
	ApprovalMode string `json:"approval_mode,omitempty"`
}

type resumeRunRequest struct {
	Decisions []models.ApprovalDecision `json:"decisions"`
}

func runRun(cmd *cobra.Command, opts clientOptions, agentID, threadID, mode, message string) error {
	parsed, ok := agent.ParseApprovalMode(mode)
	if !ok {
		return fmt.Errorf("unknown approval mode %q", mode)
	}
	if parsed == agent.ApprovalInteractive && !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive approval needs a terminal; use --mode deny_untrusted or approve_all")
	}
	client, err := opts.client()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if threadID == "" {
		if agentID == "" {
			return errors.New("--agent is required when starting a new thread")
		}
		var thread models.Thread
		if err := client.postJSON(ctx, "/v1/threads", map[string]string{
			"agent_id": agentID,
			"title":    truncate(message, 80),
		}, &thread); err != nil {
			return err
		}
		threadID = thread.ID
		fmt.Fprintf(out, "thread %s\n", threadID)
	}

	resp, err := client.stream(ctx, "/v1/runs", startRunRequest{
		ThreadID:     threadID,
		AgentID:      agentID,
		Message:      message,
		ApprovalMode: string(parsed),
	})
	if err != nil {
		return err
	}
	runID := resp.Header.Get("X-Run-ID")

	in := bufio.NewReader(os.Stdin)
	for {
		result, err := renderStream(out, resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		switch result.status {
		case models.RunInterrupted:
		case models.RunFailed:
			return fmt.Errorf("run %s failed: %s", runID, result.failure)
		default:
			fmt.Fprintf(out, "\nrun %s %s\n", runID, result.status)
			return nil
		}

		decisions, err := promptDecisions(in, out, result.pending)
		if err != nil {
			return err
		}
		resp, err = client.stream(ctx, "/v1/runs/"+url.PathEscape(runID)+"/resume", resumeRunRequest{Decisions: decisions})
		if err != nil {
			return err
		}
	}
}

type streamResult struct {
	status  models.RunStatus
	pending []models.ToolCallRequest
	failure string
}

// renderStream prints one stream segment and reports how it ended.
func renderStream(out io.Writer, body io.Reader) (streamResult, error) {
	var result streamResult
	reader := stream.NewReader(body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			if result.status == "" {
				return result, errors.New("stream ended without an end frame")
			}
			return result, nil
		}
		if err != nil {
			return result, err
		}

		switch ev.Kind {
		case models.EventMessageDelta:
			var p models.DeltaPayload
			if ev.Decode(&p) == nil {
				fmt.Fprint(out, p.Text)
			}
		case models.EventToolCallProposed:
			var p models.ToolCallPayload
			if ev.Decode(&p) == nil && p.AutoApproved {
				fmt.Fprintf(out, "\n-> %s (trusted)\n", p.Call.ToolName)
			}
		case models.EventToolCallResult:
			var p models.ToolResultPayload
			if ev.Decode(&p) == nil {
				fmt.Fprintf(out, "<- %s [%s] %s\n", p.ToolName, p.Disposition, truncate(p.Content, 120))
			}
		case models.EventInterrupt:
			var p models.InterruptPayload
			if ev.Decode(&p) == nil {
				result.pending = p.PendingToolCalls
			}
		case models.EventUsageUpdate:
			var p models.UsagePayload
			if ev.Decode(&p) == nil {
				fmt.Fprintf(out, "\n[usage] turn %s, window %s", usage.FormatUSD(p.Cost), usage.FormatUSD(p.Consumed))
				if p.Limit > 0 {
					fmt.Fprintf(out, " of %s", usage.FormatUSD(p.Limit))
				}
				fmt.Fprintln(out)
			}
		case models.EventRateLimit:
			var p models.RateLimitPayload
			if ev.Decode(&p) == nil {
				fmt.Fprintf(out, "\n[budget] %s; resets %s\n", p.Reason, p.ResetAt.Local().Format(time.Kitchen))
			}
		case models.EventError:
			var p models.ErrorPayload
			if ev.Decode(&p) != nil {
				break
			}
			if p.Code == agent.CodeTrustGrantFailed {
				fmt.Fprintf(out, "\n[warning] %s\n", p.Message)
				break
			}
			result.failure = p.Code + ": " + p.Message
		case models.EventEnd:
			var p models.EndPayload
			if err := ev.Decode(&p); err != nil {
				return result, fmt.Errorf("decode end frame: %w", err)
			}
			result.status = p.Status
		}
	}
}

// promptDecisions asks for a decision on every pending call.
func promptDecisions(in *bufio.Reader, out io.Writer, pending []models.ToolCallRequest) ([]models.ApprovalDecision, error) {
	decisions := make([]models.ApprovalDecision, 0, len(pending))
	for _, call := range pending {
		fmt.Fprintf(out, "\n? %s", call.ToolName)
		if call.IntegrationID != "" {
			fmt.Fprintf(out, " (%s)", call.IntegrationID)
		}
		fmt.Fprintf(out, "\n%s\n", formatArguments(call.Arguments))

		choices := "[o]nce, always [t]ool, [d]eny"
		if call.IntegrationID != "" {
			choices = "[o]nce, always [t]ool, always [i]ntegration, [d]eny"
		}
		for {
			fmt.Fprintf(out, "approve? %s: ", choices)
			line, err := in.ReadString('\n')
			if err != nil && line == "" {
				return nil, fmt.Errorf("read decision: %w", err)
			}
			outcome, ok := parseOutcome(line, call)
			if ok {
				decisions = append(decisions, models.ApprovalDecision{CallID: call.CallID, Outcome: outcome})
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read decision: %w", err)
			}
		}
	}
	return decisions, nil
}

// parseOutcome maps a prompt answer onto an outcome. Integration trust is
// only offered for calls that carry an integration.
func parseOutcome(answer string, call models.ToolCallRequest) (models.ApprovalOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "o", "once", "y", "yes":
		return models.OutcomeApproveOnce, true
	case "t", "tool":
		return models.OutcomeApproveAlwaysTool, true
	case "i", "integration":
		if call.IntegrationID == "" {
			return "", false
		}
		return models.OutcomeApproveAlwaysIntegration, true
	case "d", "deny", "n", "no":
		return models.OutcomeDeny, true
	}
	return "", false
}

func formatArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "  {}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "  " + string(raw)
	}
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return "  " + string(raw)
	}
	return "  " + string(data)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type usageResponse struct {
	models.BudgetWindow
	Remaining float64 `json:"remaining"`
	Summary   string  `json:"summary"`
}

func runUsage(cmd *cobra.Command, opts clientOptions) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	var resp usageResponse
	if err := client.getJSON(cmd.Context(), "/v1/usage", &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Summary)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Window:\t%s - %s\n", resp.WindowStart.Local().Format(time.RFC3339), resp.WindowEnd.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Consumed:\t%s\n", usage.FormatUSD(resp.Consumed))
	fmt.Fprintf(w, "Reserved:\t%s\n", usage.FormatUSD(resp.Reserved))
	if resp.Limit > 0 {
		fmt.Fprintf(w, "Limit:\t%s\n", usage.FormatUSD(resp.Limit))
		fmt.Fprintf(w, "Remaining:\t%s (%s)\n", usage.FormatUSD(resp.Remaining),
			usage.FormatPercentage(resp.Remaining/resp.Limit*100))
	} else {
		fmt.Fprintln(w, "Limit:\tunlimited")
	}
	return w.Flush()
}

func runUsageEvents(cmd *cobra.Command, opts clientOptions, since string, limit int) error {
	window, err := time.ParseDuration(since)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	client, err := opts.client()
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("since", time.Now().Add(-window).UTC().Format(time.RFC3339))
	query.Set("limit", fmt.Sprint(limit))

	var resp struct {
		Events []models.UsageEvent `json:"events"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/usage/events?"+query.Encode(), &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No usage recorded.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tMODEL\tIN\tOUT\tCOST")
	for _, ev := range resp.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.OccurredAt.Local().Format(time.DateTime), ev.RunID, ev.Model,
			usage.FormatTokenCount(ev.InputUnits), usage.FormatTokenCount(ev.OutputUnits), usage.FormatUSD(ev.Cost))
	}
	return w.Flush()
}

func runTrustList(cmd *cobra.Command, opts clientOptions) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	var resp struct {
		Records []models.TrustRecord `json:"records"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/trust", &resp); err != nil {
		return err
	}
	if len(resp.Records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No trust records.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tKEY\tGRANTED")
	for _, rec := range resp.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Scope, rec.Key, rec.GrantedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runTrustChange(cmd *cobra.Command, opts clientOptions, action string, scope models.TrustScope, key string) error {
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %q (want tool or integration)", scope)
	}
	client, err := opts.client()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := changeTrust(ctx, client, action, scope, key); err != nil {
		return err
	}
	verb := "Trusted"
	if action == "revoke" {
		verb = "Revoked"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", verb, scope, key)
	return nil
}

func changeTrust(ctx context.Context, client *apiClient, action string, scope models.TrustScope, key string) error {
	if action == "revoke" {
		query := url.Values{}
		query.Set("scope", string(scope))
		query.Set("key", key)
		return client.delete(ctx, "/v1/trust?"+query.Encode())
	}
	return client.postJSON(ctx, "/v1/trust", map[string]string{"scope": string(scope), "key": key}, nil)
}
