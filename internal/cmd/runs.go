package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/crewhost/internal/client"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Launch and inspect runs on a crewhost server",
	Long: `Launch and inspect runs on a running crewhost server.

The server address defaults to server.host and server.port from config.

Examples:
  crewhost runs start --identity ops@example.com --secret-env APP_PASSWORD --limit 5 --follow
  crewhost runs list --json
  crewhost runs logs <run_id> --follow`,
}

var runsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch a run",
	RunE:  runRunsStart,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show status for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show logs for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsCmd.PersistentFlags().String("server", "", "Server URL (default from config)")
	runsCmd.PersistentFlags().String("as", "", "Identity to send in the auth header (header auth mode)")
	runsCmd.PersistentFlags().String("token", "", "Bearer token (oidc auth mode)")

	runsStartCmd.Flags().String("identity", "", "Account identity for the run")
	runsStartCmd.Flags().String("secret-env", "", "Read the secret from this environment variable")
	runsStartCmd.Flags().Int("limit", 0, "Job limit (0 = server default)")
	runsStartCmd.Flags().Bool("follow", false, "Follow log output until the run ends")
	runsStartCmd.Flags().Bool("json", false, "Output as JSON")

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	runsLogsCmd.Flags().Int("start", 0, "First absolute line index")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output until the run ends")
	runsLogsCmd.Flags().Duration("interval", time.Second, "Poll interval when following")
}

func newRunsClient(cmd *cobra.Command) (*client.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	serverURL = strings.TrimSpace(serverURL)

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	if serverURL == "" {
		serverURL = describeListen(cfg)
	}

	opts := []client.Option{}
	if as, _ := cmd.Flags().GetString("as"); strings.TrimSpace(as) != "" {
		opts = append(opts, client.WithIdentityHeader(cfg.Auth.Header, strings.TrimSpace(as)))
	}
	if token, _ := cmd.Flags().GetString("token"); strings.TrimSpace(token) != "" {
		opts = append(opts, client.WithBearerToken(strings.TrimSpace(token)))
	}
	if f := cmd.Flags().Lookup("interval"); f != nil {
		interval, _ := cmd.Flags().GetDuration("interval")
		opts = append(opts, client.WithPollInterval(interval))
	}

	c, err := client.New(serverURL, opts...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	return c, nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRunsStart(cmd *cobra.Command, _ []string) error {
	c, err := newRunsClient(cmd)
	if err != nil {
		return err
	}
	identity, _ := cmd.Flags().GetString("identity")
	secretEnv, _ := cmd.Flags().GetString("secret-env")
	limit, _ := cmd.Flags().GetInt("limit")
	follow, _ := cmd.Flags().GetBool("follow")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	req := client.LaunchRequest{Identity: strings.TrimSpace(identity), Limit: limit}
	if name := strings.TrimSpace(secretEnv); name != "" {
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return exitError(foundry.ExitInvalidArgument, "Secret environment variable is empty", fmt.Errorf("%s is not set", name))
		}
		req.SecretValue = val
	}

	launched, err := c.Start(cmd.Context(), req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start run", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput && !follow {
		return encodeJSON(out, launched)
	}
	_, _ = fmt.Fprintf(out, "run_id=%s\nstatus=%s\n", launched.RunID, launched.Status)
	if !follow {
		return nil
	}
	return followRun(cmd, c, launched.RunID, 0)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	c, err := newRunsClient(cmd)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	runs, err := c.List(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return encodeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tIDENTITY\tSTATUS\tSTARTED\tENDED\tEXIT\tLINES")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID,
			r.Identity,
			r.Status,
			r.StartedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(r.EndedAt),
			exit,
			r.LogLines,
		)
	}
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	runID := strings.TrimSpace(args[0])
	if runID == "" {
		return exitError(foundry.ExitInvalidArgument, "run_id is required", errors.New("empty run id"))
	}
	c, err := newRunsClient(cmd)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	run, err := c.Status(cmd.Context(), runID)
	if client.IsNotFound(err) {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to get run status", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return encodeJSON(out, run)
	}
	_, _ = fmt.Fprintf(out, "run_id=%s\n", run.ID)
	_, _ = fmt.Fprintf(out, "identity=%s\n", run.Identity)
	_, _ = fmt.Fprintf(out, "status=%s\n", run.Status)
	_, _ = fmt.Fprintf(out, "started_at=%s\n", run.StartedAt.UTC().Format(time.RFC3339))
	if run.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", run.EndedAt.UTC().Format(time.RFC3339))
	}
	if run.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *run.ExitCode)
	}
	_, _ = fmt.Fprintf(out, "log_lines=%d\n", run.LogLines)
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	runID := strings.TrimSpace(args[0])
	if runID == "" {
		return exitError(foundry.ExitInvalidArgument, "run_id is required", errors.New("empty run id"))
	}
	start, _ := cmd.Flags().GetInt("start")
	if start < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --start value", fmt.Errorf("start must be >= 0"))
	}
	follow, _ := cmd.Flags().GetBool("follow")

	c, err := newRunsClient(cmd)
	if err != nil {
		return err
	}
	if follow {
		return followRun(cmd, c, runID, start)
	}

	page, err := c.Logs(cmd.Context(), runID, start)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch logs", err)
	}
	out := cmd.OutOrStdout()
	for _, line := range page.Lines {
		_, _ = fmt.Fprintln(out, line)
	}
	if page.Status == "unknown" {
		return exitError(foundry.ExitFileNotFound, "Run unknown to server", client.ErrRunUnknown)
	}
	return nil
}

func followRun(cmd *cobra.Command, c *client.Client, runID string, start int) error {
	out := cmd.OutOrStdout()
	status, err := c.Follow(cmd.Context(), runID, start, func(line string) {
		_, _ = fmt.Fprintln(out, line)
	})
	switch {
	case errors.Is(err, client.ErrRunUnknown):
		return exitError(foundry.ExitFileNotFound, "Run unknown to server", err)
	case err != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to follow logs", err)
	case status == "failed":
		return exitError(1, "Run failed", fmt.Errorf("run %s failed", runID))
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
