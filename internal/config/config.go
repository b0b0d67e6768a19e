// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/setevik/psiwatch/internal/psi"
	"github.com/setevik/psiwatch/internal/trigger"
)

// Reaction names accepted in a trigger's actions list.
const (
	ActionLog     = "log"
	ActionNtfy    = "ntfy"
	ActionOOMKill = "oom-kill"
)

var knownActions = []string{ActionLog, ActionNtfy, ActionOOMKill}

// Config is the top-level configuration for psiwatch.
type Config struct {
	Instance InstanceConfig  `toml:"instance"`
	Triggers []TriggerConfig `toml:"trigger"`
	Ntfy     NtfyConfig      `toml:"ntfy"`
	Cooldown CooldownConfig  `toml:"cooldown"`
	DB       DBConfig        `toml:"db"`
	Log      LogConfig       `toml:"log"`
}

// InstanceConfig identifies this machine.
type InstanceConfig struct {
	ID   string `toml:"id"`
	Role string `toml:"role"`
}

// TriggerConfig declares one PSI trigger and what to do when it fires.
type TriggerConfig struct {
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"`
	Line     string   `toml:"line"`
	Stall    Duration `toml:"stall"`
	Window   Duration `toml:"window"`
	Severity string   `toml:"severity"`
	Actions  []string `toml:"actions"`
}

// Descriptor builds the trigger this entry describes.
func (t TriggerConfig) Descriptor() (trigger.Descriptor, error) {
	kind, err := psi.ParseKind(t.Kind)
	if err != nil {
		return trigger.Descriptor{}, fmt.Errorf("trigger %q: %w", t.Name, err)
	}
	line, err := psi.ParseLine(t.Line)
	if err != nil {
		return trigger.Descriptor{}, fmt.Errorf("trigger %q: unknown line %q", t.Name, t.Line)
	}
	d := trigger.New().
		Kind(kind).
		Line(line).
		Stall(t.Stall.Duration).
		Window(t.Window.Duration).
		Build()
	if err := d.Validate(); err != nil {
		return trigger.Descriptor{}, fmt.Errorf("trigger %q: %w", t.Name, err)
	}
	return d, nil
}

// NtfyConfig controls the ntfy notification target.
type NtfyConfig struct {
	URL         string            `toml:"url"`
	PriorityMap map[string]string `toml:"priority_map"`
	// AlertSeverities lists the severities that are sent to ntfy.
	AlertSeverities []string `toml:"alert_severities"`
}

// CooldownConfig controls dedup/cooldown behavior.
type CooldownConfig struct {
	Window             Duration `toml:"window"`
	AggregateThreshold int      `toml:"aggregate_threshold"`
}

// DBConfig controls the event history database.
type DBConfig struct {
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "50ms", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults. The two memory triggers
// watch for all tasks stalling 5% and 10% of a half-second window.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID:   hostname,
			Role: "desktop",
		},
		Triggers: []TriggerConfig{
			{
				Name:     "low-memory",
				Kind:     "memory",
				Line:     "full",
				Stall:    Duration{50 * time.Millisecond},
				Window:   Duration{500 * time.Millisecond},
				Severity: "warning",
				Actions:  []string{ActionLog},
			},
			{
				Name:     "critical-memory",
				Kind:     "memory",
				Line:     "full",
				Stall:    Duration{100 * time.Millisecond},
				Window:   Duration{500 * time.Millisecond},
				Severity: "critical",
				Actions:  []string{ActionLog, ActionNtfy},
			},
		},
		Ntfy: NtfyConfig{
			PriorityMap: map[string]string{
				"critical": "urgent",
				"warning":  "high",
			},
			AlertSeverities: []string{"critical"},
		},
		Cooldown: CooldownConfig{
			Window:             Duration{5 * time.Minute},
			AggregateThreshold: 3,
		},
		DB: DBConfig{
			Retention: Duration{90 * 24 * time.Hour},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "psiwatch", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
// Triggers listed in the file replace the default triggers.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	defaults := cfg.Triggers
	cfg.Triggers = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Triggers == nil {
		cfg.Triggers = defaults
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every trigger entry and the log level.
func (c *Config) Validate() error {
	var errs []error
	if c.Log.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
			errs = append(errs, fmt.Errorf("log level: %w", err))
		}
	}
	seen := make(map[string]bool)
	for i, t := range c.Triggers {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("trigger #%d has no name", i+1))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate trigger name %q", t.Name))
		}
		seen[t.Name] = true

		if _, err := t.Descriptor(); err != nil {
			errs = append(errs, err)
		}
		if t.Severity != "warning" && t.Severity != "critical" {
			errs = append(errs, fmt.Errorf("trigger %q: unknown severity %q", t.Name, t.Severity))
		}
		for _, a := range t.Actions {
			if !slices.Contains(knownActions, a) {
				errs = append(errs, fmt.Errorf("trigger %q: unknown action %q", t.Name, a))
			}
		}
	}
	return errors.Join(errs...)
}

// DBPath returns the event database path, defaulting to the XDG data dir.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "psiwatch", "events.db")
}

// ShouldAlert returns true if the given severity is sent to ntfy.
func (c *Config) ShouldAlert(severity string) bool {
	return slices.Contains(c.Ntfy.AlertSeverities, severity)
}

// NtfyPriority maps a severity string to an ntfy priority string.
func (c *Config) NtfyPriority(severity string) string {
	if p, ok := c.Ntfy.PriorityMap[severity]; ok {
		return p
	}
	return "default"
}
