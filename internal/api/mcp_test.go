package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *fakeController) {
	t.Helper()
	ctl := newFakeController()
	return MCPDeps{Controller: ctl, Version: "test"}, ctl
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPServer_Builds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_TriggerRun(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpTriggerRun(deps)(context.Background(), makeCallToolRequest("trigger_run", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "run-1") {
		t.Errorf("text = %q, want it to name run-1", toolText(t, result))
	}
}

func TestMCPTool_TriggerRun_AlreadyRunning(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)
	ctl.err = failure.ErrAlreadyRunning

	result, err := mcpTriggerRun(deps)(context.Background(), makeCallToolRequest("trigger_run", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "already in flight") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_CancelRun(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)

	result, err := mcpCancelRun(deps)(context.Background(), makeCallToolRequest("cancel_run", map[string]any{"run_id": "r7"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if len(ctl.cancelled) != 1 || ctl.cancelled[0] != "r7" {
		t.Errorf("cancelled = %v", ctl.cancelled)
	}
}

func TestMCPTool_CancelRun_MissingID(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)

	result, _ := mcpCancelRun(deps)(context.Background(), makeCallToolRequest("cancel_run", map[string]any{}))
	if !result.IsError {
		t.Fatal("expected tool error for missing run_id")
	}
	if len(ctl.cancelled) != 0 {
		t.Errorf("Cancel called without a run id")
	}
}

func TestMCPTool_RunStatus(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)
	ctl.status = pipeline.Status{State: pipeline.StateUploading, Schedule: pipeline.DefaultSchedule()}

	result, err := mcpRunStatus(deps)(context.Background(), makeCallToolRequest("run_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st pipeline.Status
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("parsing status: %v", err)
	}
	if st.State != pipeline.StateUploading {
		t.Errorf("state = %q, want UPLOADING", st.State)
	}
}

func TestMCPTool_RunStatus_ForRun(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)
	ctl.runs = []storage.Run{{ID: "r1", Stage: storage.StageFailed, FailureKind: "network"}}
	ctl.attempts = []storage.Attempt{{RunID: "r1", Stage: storage.StageUpload, Number: 3, Error: "timeout"}}

	result, _ := mcpRunStatus(deps)(context.Background(), makeCallToolRequest("run_status", map[string]any{"run_id": "r1"}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var detail RunDetail
	if err := json.Unmarshal([]byte(toolText(t, result)), &detail); err != nil {
		t.Fatalf("parsing detail: %v", err)
	}
	if detail.ID != "r1" || len(detail.History) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	result, _ = mcpRunStatus(deps)(context.Background(), makeCallToolRequest("run_status", map[string]any{"run_id": "nope"}))
	if !result.IsError {
		t.Error("expected tool error for unknown run")
	}
}

func TestMCPTool_ListRuns(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)

	result, _ := mcpListRuns(deps)(context.Background(), makeCallToolRequest("list_runs", nil))
	if toolText(t, result) != "[]" {
		t.Errorf("empty list = %q, want []", toolText(t, result))
	}
	if ctl.lastLimit != 10 {
		t.Errorf("default limit = %d, want 10", ctl.lastLimit)
	}

	ctl.runs = []storage.Run{{ID: "b"}, {ID: "a"}}
	result, _ = mcpListRuns(deps)(context.Background(), makeCallToolRequest("list_runs", map[string]any{"limit": 1000}))
	var runs []storage.Run
	if err := json.Unmarshal([]byte(toolText(t, result)), &runs); err != nil {
		t.Fatalf("parsing runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Errorf("runs = %+v", runs)
	}
	if ctl.lastLimit != 100 {
		t.Errorf("limit = %d, want capped 100", ctl.lastLimit)
	}
}

func TestMCPTool_SetSchedule(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)

	result, err := mcpSetSchedule(deps)(context.Background(), makeCallToolRequest("set_schedule", map[string]any{
		"time_of_day": "06:15",
		"timezone":    "Europe/Berlin",
		"enabled":     true,
		"privacy":     "unlisted",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	s := ctl.Schedule()
	if s.TimeOfDay != "06:15" || s.Timezone != "Europe/Berlin" || !s.Enabled || s.Privacy != youtube.PrivacyUnlisted {
		t.Errorf("schedule = %+v", s)
	}
	if s.Retry != pipeline.DefaultRetryPolicy() {
		t.Error("retry policy changed by a partial update")
	}
}

func TestMCPTool_SetSchedule_Invalid(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)

	result, _ := mcpSetSchedule(deps)(context.Background(), makeCallToolRequest("set_schedule", map[string]any{
		"time_of_day": "noon",
	}))
	if !result.IsError {
		t.Fatal("expected tool error for invalid time")
	}
	if ctl.Schedule() != pipeline.DefaultSchedule() {
		t.Error("schedule changed after a rejected update")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, ctl := newTestMCPDeps(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ctl.runs = []storage.Run{
		{ID: "r2", Mode: "scheduled", TriggeredAt: at, Stage: storage.StageDone, RemoteRef: "abc"},
		{ID: "r1", Mode: "manual", TriggeredAt: at.Add(-time.Hour), Stage: storage.StageFailed, FailureKind: string(failure.AuthExpired)},
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("runs://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "runs://recent" {
		t.Errorf("URI = %q", tc.URI)
	}

	var items []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(items))
	}
	if items[0]["url"] != youtube.WatchURL("abc") {
		t.Errorf("url = %q", items[0]["url"])
	}
	if items[1]["failure"] == "" {
		t.Error("failed run has no failure summary")
	}
}
