// Package config loads keepsake settings from YAML or TOML files, environment
// variables and defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/keepsake/autosave"
	"github.com/jmcleod/keepsake/entity"
)

// Config holds all settings for a keepsake process.
type Config struct {
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	Namespace string `yaml:"namespace" toml:"namespace"`
	// Ephemeral replaces both media with in-process maps.
	Ephemeral bool `yaml:"ephemeral" toml:"ephemeral"`

	Primary  PrimaryConfig  `yaml:"primary" toml:"primary"`
	Local    LocalConfig    `yaml:"local" toml:"local"`
	Hybrid   HybridConfig   `yaml:"hybrid" toml:"hybrid"`
	Capacity CapacityConfig `yaml:"capacity" toml:"capacity"`
	Limits   entity.Limits  `yaml:"limits" toml:"limits"`
	Autosave AutosaveConfig `yaml:"autosave" toml:"autosave"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// PrimaryConfig configures the bbolt medium. A zero quota means the
// filesystem's free space is used as the estimate.
type PrimaryConfig struct {
	Path  string `yaml:"path" toml:"path"`
	Quota int64  `yaml:"quota" toml:"quota"`
}

// LocalConfig configures the SQLite medium.
type LocalConfig struct {
	Path            string `yaml:"path" toml:"path"`
	Quota           int64  `yaml:"quota" toml:"quota"`
	FallbackEntries int    `yaml:"fallback_entries" toml:"fallback_entries"`
	Disabled        bool   `yaml:"disabled" toml:"disabled"`
}

type HybridConfig struct {
	Mirroring         bool     `yaml:"mirroring" toml:"mirroring"`
	DisableReadRepair bool     `yaml:"disable_read_repair" toml:"disable_read_repair"`
	InfoTTL           Duration `yaml:"info_ttl" toml:"info_ttl"`
}

type CapacityConfig struct {
	Largest         int      `yaml:"largest" toml:"largest"`
	Retain          int      `yaml:"retain" toml:"retain"`
	WarnPercent     float64  `yaml:"warn_percent" toml:"warn_percent"`
	MonitorInterval Duration `yaml:"monitor_interval" toml:"monitor_interval"`
}

type AutosaveConfig struct {
	Delay Duration `yaml:"delay" toml:"delay"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // "debug", "info", "warn", "error"
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// Duration is a time.Duration read from strings such as "2s" in either format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		Namespace: "keepsake",
		Local: LocalConfig{
			Quota:           5 << 20,
			FallbackEntries: 256,
		},
		Hybrid: HybridConfig{
			InfoTTL: Duration(2 * time.Second),
		},
		Capacity: CapacityConfig{
			Largest:         10,
			Retain:          50,
			WarnPercent:     80,
			MonitorInterval: Duration(30 * time.Second),
		},
		Limits: entity.DefaultLimits(),
		Autosave: AutosaveConfig{
			Delay: Duration(autosave.DefaultDelay),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies KEEPSAKE_* environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("KEEPSAKE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KEEPSAKE_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("KEEPSAKE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KEEPSAKE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEEPSAKE_EPHEMERAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KEEPSAKE_EPHEMERAL: %w", err)
		}
		c.Ephemeral = b
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, "_ ") {
		return fmt.Errorf("namespace %q must be non-empty without underscores or spaces", c.Namespace)
	}
	if c.Primary.Quota < 0 || c.Local.Quota < 0 {
		return fmt.Errorf("quotas must not be negative")
	}
	if c.Capacity.WarnPercent <= 0 || c.Capacity.WarnPercent > 100 {
		return fmt.Errorf("warn_percent must be in (0, 100]")
	}
	if c.Capacity.Largest <= 0 || c.Capacity.Retain <= 0 {
		return fmt.Errorf("largest and retain must be positive")
	}
	if c.Capacity.MonitorInterval.Duration() <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.Autosave.Delay.Duration() <= 0 {
		return fmt.Errorf("autosave delay must be positive")
	}
	if c.Limits.MaxEntities < 0 || c.Limits.MaxMessages < 0 || c.Limits.MaxFiles < 0 || c.Limits.MaxFileBytes < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// PrimaryPath returns the bbolt file path, defaulting inside DataDir.
func (c *Config) PrimaryPath() string {
	if c.Primary.Path != "" {
		return c.Primary.Path
	}
	return filepath.Join(c.DataDir, "keepsake.db")
}

// LocalPath returns the SQLite file path, defaulting inside DataDir.
func (c *Config) LocalPath() string {
	if c.Local.Path != "" {
		return c.Local.Path
	}
	return filepath.Join(c.DataDir, "local.db")
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
