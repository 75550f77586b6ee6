package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/youtube"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Controller Controller
	Version    string
}

// NewMCPServer creates an MCP server exposing run control tools and the
// recent-runs resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"shortsd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shortsd publishes one short video per day. Use these tools to trigger, cancel, and inspect runs and to change the schedule."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("trigger_run",
			mcp.WithDescription("Start a manual run now. Fails if a run is already in flight."),
		),
		mcpTriggerRun(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_run",
			mcp.WithDescription("Ask the in-flight run to stop at its next stage boundary. Uploads in progress always finish."),
			mcp.WithString("run_id", mcp.Description("ID of the run to cancel"), mcp.Required()),
		),
		mcpCancelRun(deps),
	)

	s.AddTool(
		mcp.NewTool("run_status",
			mcp.WithDescription("Current orchestrator state, latest run, and schedule. With run_id, that run and its attempt history."),
			mcp.WithString("run_id", mcp.Description("Optional run ID")),
		),
		mcpRunStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent runs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 10)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("set_schedule",
			mcp.WithDescription("Change the daily schedule. Omitted fields keep their current value."),
			mcp.WithString("time_of_day", mcp.Description("Daily trigger time, HH:MM")),
			mcp.WithString("timezone", mcp.Description("IANA timezone, e.g. Europe/Berlin")),
			mcp.WithBoolean("enabled", mcp.Description("Whether the daily trigger is active")),
			mcp.WithString("privacy", mcp.Description("public, unlisted, or private")),
		),
		mcpSetSchedule(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 runs with stage, outcome, and video URL"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpTriggerRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := deps.Controller.Trigger(ctx, pipeline.ModeManual)
		if errors.Is(err, failure.ErrAlreadyRunning) {
			return mcpError("a run is already in flight"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("trigger failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Started run %s", id)), nil
	}
}

func mcpCancelRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil || id == "" {
			return mcpError("run_id is required"), nil
		}
		if err := deps.Controller.Cancel(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancellation requested for run %s", id)), nil
	}
}

func mcpRunStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if id := req.GetString("run_id", ""); id != "" {
			run, err := deps.Controller.GetRun(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("run %s: %v", id, err)), nil
			}
			history, err := deps.Controller.Attempts(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("attempts for %s: %v", id, err)), nil
			}
			return mcpJSON(RunDetail{Run: run, History: history})
		}

		st, err := deps.Controller.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		runs, err := deps.Controller.ListRecent(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(runs)
	}
}

func mcpSetSchedule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := deps.Controller.Schedule()
		if v := req.GetString("time_of_day", ""); v != "" {
			s.TimeOfDay = v
		}
		if v := req.GetString("timezone", ""); v != "" {
			s.Timezone = v
		}
		if v := req.GetString("privacy", ""); v != "" {
			s.Privacy = youtube.Privacy(v)
		}
		if v, ok := req.GetArguments()["enabled"].(bool); ok {
			s.Enabled = v
		}

		if err := s.Validate(); err != nil {
			return mcpError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}
		if err := deps.Controller.Configure(ctx, s); err != nil {
			return mcpError(fmt.Sprintf("failed to update schedule: %v", err)), nil
		}
		return mcpJSON(s)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Controller.ListRecent(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent runs: %w", err)
		}

		type runSummary struct {
			ID          string `json:"id"`
			Mode        string `json:"mode"`
			TriggeredAt string `json:"triggered_at"`
			Stage       string `json:"stage"`
			URL         string `json:"url,omitempty"`
			Failure     string `json:"failure,omitempty"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			summaries[i] = runSummary{
				ID:          r.ID,
				Mode:        r.Mode,
				TriggeredAt: r.TriggeredAt.Format(time.RFC3339),
				Stage:       string(r.Stage),
			}
			if r.RemoteRef != "" {
				summaries[i].URL = youtube.WatchURL(r.RemoteRef)
			}
			if r.FailureKind != "" {
				summaries[i].Failure = failure.Summary(failure.Kind(r.FailureKind))
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
