package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	YouTube  YouTubeConfig
	Render   RenderConfig
	Source   SourceConfig
	Sweep    SweepConfig
	Schedule ScheduleConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type YouTubeConfig struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	UploadURL     string
	UploadTimeout string
}

type RenderConfig struct {
	FFmpeg string
	Font   string
}

type SourceConfig struct {
	// Feeds is a comma-separated list of feed specs ("url" or "format=url").
	Feeds    string
	PoolPath string
}

type SweepConfig struct {
	Grace    string
	Interval string
}

// ScheduleConfig seeds the orchestrator's schedule on first start. Once an
// operator changes the schedule through the control surface, the persisted
// value wins.
type ScheduleConfig struct {
	TimeOfDay string
	Timezone  string
	Enabled   bool
	Privacy   string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		YouTube: YouTubeConfig{
			TokenURL:      "https://oauth2.googleapis.com/token",
			UploadURL:     "https://www.googleapis.com/upload/youtube/v3/videos",
			UploadTimeout: "10m",
		},
		Render: RenderConfig{
			FFmpeg: "ffmpeg",
		},
		Source: SourceConfig{
			Feeds: "official-joke-api=https://official-joke-api.appspot.com/random_joke," +
				"icanhazdadjoke=https://icanhazdadjoke.com/",
		},
		Sweep: SweepConfig{
			Grace:    "24h",
			Interval: "1m",
		},
		Schedule: ScheduleConfig{
			TimeOfDay: "10:00",
			Timezone:  "UTC",
			Privacy:   "public",
		},
	}
}

// ArtifactDir is where rendered videos are written.
func (c Config) ArtifactDir() string {
	return filepath.Join(c.Storage.DataDir, "artifacts")
}

// FeedList splits Source.Feeds into individual feed specs.
func (c Config) FeedList() []string {
	var out []string
	for _, f := range strings.Split(c.Source.Feeds, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SweepGrace returns how long finished artifacts are kept.
func (c Config) SweepGrace() time.Duration {
	return parseDuration("sweep.grace", c.Sweep.Grace, 24*time.Hour)
}

// SweepInterval returns how often the sweeper polls for due cleanups.
func (c Config) SweepInterval() time.Duration {
	return parseDuration("sweep.interval", c.Sweep.Interval, time.Minute)
}

// UploadTimeout returns the base deadline for one upload attempt.
func (c Config) UploadTimeout() time.Duration {
	return parseDuration("youtube.upload_timeout", c.YouTube.UploadTimeout, 10*time.Minute)
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration for %s=%q. Using default %s.\n", key, raw, def)
		return def
	}
	return d
}

// RequireYouTube reports a missing OAuth client, which the server needs to
// refresh upload credentials.
func (c Config) RequireYouTube() error {
	var missing []string
	if c.YouTube.ClientID == "" {
		missing = append(missing, "YouTube client ID (SHORTSD_YOUTUBE_CLIENT_ID)")
	}
	if c.YouTube.ClientSecret == "" {
		missing = append(missing, "YouTube client secret (SHORTSD_YOUTUBE_CLIENT_SECRET"+secretHint("youtube_client_secret")+")")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.shortsd.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/shortsd/config.yaml
// and secrets fall back to $XDG_DATA_HOME/shortsd/secrets.json.
//
// Environment variables (SHORTSD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.YouTube.ClientSecret == "" {
		if v, err := kc.Get(keychainService, "youtube_client_secret"); err == nil && v != "" {
			cfg.YouTube.ClientSecret = v
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	return cfg, nil
}
