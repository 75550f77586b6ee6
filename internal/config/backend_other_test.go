//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shortsd", "config.yaml")
	b := &fileBackend{path: path, data: map[string]any{}}
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("schedule.timezone", "Europe/Berlin"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(raw), "schedule:") {
		t.Errorf("config not written in nested form:\n%s", raw)
	}

	reloaded := &fileBackend{path: path, data: map[string]any{}}
	reloaded.load()
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4300 {
		t.Errorf("GetInt = %d, %v, %v; want 4300", port, ok, err)
	}
	tz, ok, _ := reloaded.GetString("schedule.timezone")
	if !ok || tz != "Europe/Berlin" {
		t.Errorf("GetString = %q, %v; want Europe/Berlin", tz, ok)
	}
}

func TestFileBackend_HandWrittenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  port: 4200
schedule:
  enabled: true
  time_of_day: "07:30"
sweep.grace: 48h
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	b := &fileBackend{path: path, data: map[string]any{}}
	b.load()

	var cfg Config
	if err := applyBackend(&cfg, b); err != nil {
		t.Fatalf("applyBackend: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("port = %d, want 4200", cfg.Server.Port)
	}
	if !cfg.Schedule.Enabled || cfg.Schedule.TimeOfDay != "07:30" {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Sweep.Grace != "48h" {
		t.Errorf("sweep.grace = %q, want 48h (flat key)", cfg.Sweep.Grace)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet("shortsd", "api_token"); err == nil {
		t.Fatal("expected error before anything is stored")
	}
	if err := keychainSet("shortsd", "api_token", "tok-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet("shortsd", "youtube_client_secret", "s3cret"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}

	got, err := NewKeychain().Get("shortsd", "api_token")
	if err != nil || got != "tok-1" {
		t.Errorf("Get = %q, %v; want tok-1", got, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatalf("stat secrets: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets mode = %v, want 0600", info.Mode().Perm())
	}
}
