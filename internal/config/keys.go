package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ConfigBackend is the platform store for non-secret settings: UserDefaults
// on macOS, a YAML file under XDG_CONFIG_HOME elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// keySpec binds a dotted config key to its Config field. field returns a
// *string, *int, or *bool.
type keySpec struct {
	key    string
	secret bool
	field  func(cfg *Config) any
}

// env is the override variable for the key: SHORTSD_ plus the key in upper
// snake case.
func (s keySpec) env() string {
	return "SHORTSD_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

func (s keySpec) value(cfg Config) any {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return *p
	case *bool:
		return *p
	}
	return nil
}

// set parses raw into the key's field.
func (s keySpec) set(cfg *Config, raw string) error {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		*p = i
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		*p = b
	}
	return nil
}

var specs = []keySpec{
	{key: "server.port", field: func(c *Config) any { return &c.Server.Port }},
	{key: "log.level", field: func(c *Config) any { return &c.Log.Level }},
	{key: "storage.data_dir", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "youtube.client_id", field: func(c *Config) any { return &c.YouTube.ClientID }},
	{key: "youtube.client_secret", secret: true, field: func(c *Config) any { return &c.YouTube.ClientSecret }},
	{key: "youtube.token_url", field: func(c *Config) any { return &c.YouTube.TokenURL }},
	{key: "youtube.upload_url", field: func(c *Config) any { return &c.YouTube.UploadURL }},
	{key: "youtube.upload_timeout", field: func(c *Config) any { return &c.YouTube.UploadTimeout }},
	{key: "render.ffmpeg", field: func(c *Config) any { return &c.Render.FFmpeg }},
	{key: "render.font", field: func(c *Config) any { return &c.Render.Font }},
	{key: "source.feeds", field: func(c *Config) any { return &c.Source.Feeds }},
	{key: "source.pool_path", field: func(c *Config) any { return &c.Source.PoolPath }},
	{key: "sweep.grace", field: func(c *Config) any { return &c.Sweep.Grace }},
	{key: "sweep.interval", field: func(c *Config) any { return &c.Sweep.Interval }},
	{key: "schedule.time_of_day", field: func(c *Config) any { return &c.Schedule.TimeOfDay }},
	{key: "schedule.timezone", field: func(c *Config) any { return &c.Schedule.Timezone }},
	{key: "schedule.enabled", field: func(c *Config) any { return &c.Schedule.Enabled }},
	{key: "schedule.privacy", field: func(c *Config) any { return &c.Schedule.Privacy }},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend copies stored values into cfg. Secrets are never read from
// the plain backend. A stored bool that does not parse keeps the default.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if p, ok := s.field(cfg).(*int); ok {
			v, found, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if found {
				*p = v
			}
			continue
		}

		v, found, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !found || v == "" {
			continue
		}
		if err := s.set(cfg, v); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config key %s=%q: %v. Using default value.\n", s.key, v, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env())
		if raw == "" {
			continue
		}
		if err := s.set(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] env var %s=%q: %v. Using default value.\n", s.env(), raw, err)
		}
	}
}
