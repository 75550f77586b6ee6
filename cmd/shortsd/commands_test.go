package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kalambet/shortsd/internal/config"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/youtube"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"run not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestTriggerRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /runs": `{"id":"run-123","status":"accepted"}`,
	})

	id, err := triggerRun(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "run-123" {
		t.Errorf("id = %q, want run-123", id)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/runs" {
		t.Errorf("request = %s %s, want POST /runs", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestTriggerRun_AlreadyRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"a run is already in flight","type":"already_running"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	_, err := triggerRun(ctx, client)

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Type != "already_running" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "already in flight") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestFetchStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"state":"RENDERING","run":{"id":"r1","mode":"manual","stage":"RENDER","triggered_at":"2025-03-01T10:00:00Z","attempts":{}},"schedule":{"time_of_day":"10:00","timezone":"UTC","enabled":true,"privacy":"public"}}`,
	})

	st, err := fetchStatus(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.State != pipeline.StateRendering {
		t.Errorf("state = %q, want RENDERING", st.State)
	}
	if st.Run == nil || st.Run.ID != "r1" {
		t.Fatalf("run = %+v", st.Run)
	}
	if !st.Schedule.Enabled || st.Schedule.Privacy != youtube.PrivacyPublic {
		t.Errorf("schedule = %+v", st.Schedule)
	}
}

func TestStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := fetchStatus(ctx, ts.client())
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestCancel_UnknownRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	err := ts.client().call(ctx, http.MethodPost, runPath("nope", "/cancel"), nil, nil)

	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 apiError", err)
	}
	if ts.requests[0].Path != "/runs/nope/cancel" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestPutSchedule(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /schedule": `{"time_of_day":"09:30","timezone":"Europe/Berlin","enabled":true,"privacy":"unlisted"}`,
	})

	s, err := putSchedule(ctx, ts.client(), map[string]any{"time_of_day": "09:30"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.TimeOfDay != "09:30" || s.Privacy != youtube.PrivacyUnlisted {
		t.Errorf("schedule = %+v", s)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body) != 1 || body["time_of_day"] != "09:30" {
		t.Errorf("body = %v, want only time_of_day", body)
	}
}

func TestScheduleUpdate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{"no flags", nil, nil, true},
		{"time only", []string{"--time", "09:30"}, map[string]any{"time_of_day": "09:30"}, false},
		{"disable", []string{"--enabled=false"}, map[string]any{"enabled": false}, false},
		{
			"several",
			[]string{"--timezone", "Asia/Tokyo", "--privacy", "private", "--enabled"},
			map[string]any{"timezone": "Asia/Tokyo", "privacy": "private", "enabled": true},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			addScheduleFlags(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}

			got, err := scheduleUpdate(cmd)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("body = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("body[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestScheduleFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.Schedule.TimeOfDay = "07:45"
	cfg.Schedule.Timezone = "America/New_York"
	cfg.Schedule.Enabled = true
	cfg.Schedule.Privacy = "unlisted"

	s, err := scheduleFromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.TimeOfDay != "07:45" || s.Timezone != "America/New_York" || !s.Enabled || s.Privacy != youtube.PrivacyUnlisted {
		t.Errorf("schedule = %+v", s)
	}
	if s.Retry != pipeline.DefaultRetryPolicy() {
		t.Error("retry policy should come from defaults")
	}

	cfg.Schedule.Privacy = "secret"
	if _, err := scheduleFromConfig(cfg); err == nil {
		t.Error("expected error for invalid privacy")
	}
}

func TestScheduleFromConfig_EmptyUsesDefaults(t *testing.T) {
	s, err := scheduleFromConfig(config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != pipeline.DefaultSchedule() {
		t.Errorf("schedule = %+v, want defaults", s)
	}
}

func TestAuthSetToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /credential": `{"status":"updated"}`,
	})

	err := ts.client().call(ctx, http.MethodPut, "/credential", map[string]string{"refresh_token": "1//abc"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"refresh_token":"1//abc"`) {
		t.Errorf("body = %q", ts.requests[0].Body)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{
		baseURL:    srv.URL,
		token:      "bad-token",
		httpClient: srv.Client(),
	}

	resp, err := client.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.YouTube.ClientSecret = "hunter2"

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if strings.Contains(k.Value, "hunter2") {
			t.Errorf("secret leaked via %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestRunPath_EscapesID(t *testing.T) {
	if got := runPath("a/b c", "/cancel"); got != "/runs/a%2Fb%20c/cancel" {
		t.Errorf("runPath = %q", got)
	}
}

func TestCancelCmd_RequiresRunID(t *testing.T) {
	if err := cancelCmd.Args(cancelCmd, nil); err == nil {
		t.Error("cancel without a run id should be rejected")
	}
	if err := cancelCmd.Args(cancelCmd, []string{"r1"}); err != nil {
		t.Errorf("cancel r1: %v", err)
	}
}

func TestPrintPipelineStatus(t *testing.T) {
	oldOut, oldColor := out, noColor
	defer func() { out, noColor = oldOut, oldColor }()
	var buf bytes.Buffer
	out, noColor = &buf, true

	printPipelineStatus(pipeline.Status{
		State: pipeline.StateFailed,
		Run: &storage.Run{
			ID:          "r9",
			Mode:        "scheduled",
			Stage:       storage.StageFailed,
			FailureKind: "auth_expired",
		},
		Schedule: pipeline.DefaultSchedule(),
	})

	got := buf.String()
	for _, want := range []string{"State: FAILED", "r9 FAILED", "Failure:", "Schedule: disabled"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
