package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/shortsd/internal/config"
	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator state, latest run, and schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchStatus(cmd.Context(), client)
		if err != nil {
			return err
		}
		printPipelineStatus(st)
		return nil
	},
}

func fetchStatus(ctx context.Context, c *apiClient) (pipeline.Status, error) {
	var st pipeline.Status
	err := c.call(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func printPipelineStatus(st pipeline.Status) {
	printStatus("State", "%s", colorize(colorBold, string(st.State)))
	if st.Run != nil {
		printRunLine(*st.Run)
	} else {
		printStatus("Last run", "none")
	}
	if st.Summary != "" {
		printStatus("Reason", "%s", st.Summary)
	}

	sched := "disabled"
	if st.Schedule.Enabled {
		sched = fmt.Sprintf("daily at %s %s (%s)", st.Schedule.TimeOfDay, st.Schedule.Timezone, st.Schedule.Privacy)
	}
	printStatus("Schedule", "%s", sched)
	if st.NextRun != nil {
		printStatus("Next run", "%s", st.NextRun.Local().Format(time.RFC1123))
	}
}

func printRunLine(r storage.Run) {
	printStatus("Last run", "%s %s (%s, %s)", r.ID, stageColor(string(r.Stage)), r.Mode, r.TriggeredAt.Local().Format(time.RFC822))
	if r.RemoteRef != "" {
		printStatus("Video", "%s", youtube.WatchURL(r.RemoteRef))
	}
	if r.FailureKind != "" {
		printStatus("Failure", "%s", failure.Summary(failure.Kind(r.FailureKind)))
	}
}

// --- trigger / cancel ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a run now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := triggerRun(cmd.Context(), client)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			printWarning("A run is already in flight; see `shortsd status`")
			return nil
		}
		if err != nil {
			return err
		}
		printSuccess("Started run %s", id)
		return nil
	},
}

func triggerRun(ctx context.Context, c *apiClient) (string, error) {
	var result map[string]string
	if err := c.call(ctx, http.MethodPost, "/runs", nil, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel the in-flight run at its next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPost, runPath(args[0], "/cancel"), nil, nil); err != nil {
			return err
		}
		printSuccess("Cancellation requested for run %s", args[0])
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var runs []storage.Run
		if err := client.call(cmd.Context(), http.MethodGet, fmt.Sprintf("/runs?limit=%d", limit), nil, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		for _, r := range runs {
			detail := r.LastError
			if r.RemoteRef != "" {
				detail = youtube.WatchURL(r.RemoteRef)
			}
			if len(detail) > 80 {
				detail = detail[:80] + "..."
			}
			fmt.Printf("%s  %s  %-9s  %-6s  %s\n",
				colorize(colorCyan, r.ID),
				r.TriggeredAt.Local().Format("2006-01-02 15:04"),
				r.Mode,
				stageColor(string(r.Stage)),
				detail,
			)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var detail any
		if err := client.call(cmd.Context(), http.MethodGet, runPath(args[0], ""), nil, &detail); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

func init() {
	runsCmd.Flags().Int("limit", 10, "maximum number of runs to list")
	runsCmd.AddCommand(runsShowCmd)
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the daily schedule",
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var s pipeline.ScheduleConfig
		if err := client.call(cmd.Context(), http.MethodGet, "/schedule", nil, &s); err != nil {
			return err
		}
		printSchedule(s)
		return nil
	},
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change schedule fields",
	Long: `Change schedule fields. Omitted flags keep their current value.

Examples:
  shortsd schedule set --time 09:30 --timezone Europe/Berlin
  shortsd schedule set --privacy unlisted --enabled=true`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := scheduleUpdate(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		s, err := putSchedule(cmd.Context(), client, body)
		if err != nil {
			return err
		}
		printSuccess("Schedule updated")
		printSchedule(s)
		return nil
	},
}

// scheduleUpdate collects the flags the user actually set.
func scheduleUpdate(cmd *cobra.Command) (map[string]any, error) {
	body := map[string]any{}
	flags := map[string]string{
		"time":     "time_of_day",
		"timezone": "timezone",
		"privacy":  "privacy",
	}
	for flag, field := range flags {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			body[field] = v
		}
	}
	if cmd.Flags().Changed("enabled") {
		v, _ := cmd.Flags().GetBool("enabled")
		body["enabled"] = v
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("one of --time, --timezone, --privacy, or --enabled is required")
	}
	return body, nil
}

func putSchedule(ctx context.Context, c *apiClient, body map[string]any) (pipeline.ScheduleConfig, error) {
	var s pipeline.ScheduleConfig
	err := c.call(ctx, http.MethodPut, "/schedule", body, &s)
	return s, err
}

func schedulerToggleCmd(use, short, path, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var s pipeline.ScheduleConfig
			if err := client.call(cmd.Context(), http.MethodPost, path, nil, &s); err != nil {
				return err
			}
			printSuccess("%s", done)
			printSchedule(s)
			return nil
		},
	}
}

func printSchedule(s pipeline.ScheduleConfig) {
	printStatus("Time", "%s %s", s.TimeOfDay, s.Timezone)
	printStatus("Enabled", "%t", s.Enabled)
	printStatus("Privacy", "%s", s.Privacy)
}

func addScheduleFlags(cmd *cobra.Command) {
	cmd.Flags().String("time", "", "daily trigger time (HH:MM)")
	cmd.Flags().String("timezone", "", "IANA timezone, e.g. America/New_York")
	cmd.Flags().String("privacy", "", "public, unlisted, or private")
	cmd.Flags().Bool("enabled", false, "enable or disable the daily trigger")
}

func init() {
	addScheduleFlags(scheduleSetCmd)

	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
	scheduleCmd.AddCommand(schedulerToggleCmd("start", "Enable the daily trigger", "/scheduler/start", "Scheduler started"))
	scheduleCmd.AddCommand(schedulerToggleCmd("stop", "Disable the daily trigger", "/scheduler/stop", "Scheduler stopped"))
}

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the YouTube credential",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token <refresh-token>",
	Short: "Import a refresh token after re-consent",
	Long: `Import a refresh token obtained from the Google OAuth consent flow.
Use this when runs fail with an expired credential.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPut, "/credential", map[string]string{"refresh_token": args[0]}, nil); err != nil {
			return err
		}
		printSuccess("Credential updated")
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetTokenCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value. Secret keys are stored in the platform
keychain. Changes take effect the next time the daemon starts.

Valid keys: %v`, config.ValidKeys()),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
