// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "1s", "500ms", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Source kinds accepted in Target.Source.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Config holds all collector configuration.
type Config struct {
	Interval Duration       `yaml:"interval"`
	Logging  LoggingConfig  `yaml:"logging"`
	Reload   ReloadConfig   `yaml:"reload"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Targets  []Target       `yaml:"targets"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ReloadConfig controls configuration hot reload.
type ReloadConfig struct {
	Enabled bool `yaml:"enabled"`
	// Watch subscribes to file system notifications so the modification
	// time is only checked after the file was touched.
	Watch bool `yaml:"watch"`
}

// PipelineConfig selects the output adaptor and carries its settings.
// Settings are decoded by the adaptor itself.
type PipelineConfig struct {
	Name     string         `yaml:"name"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Target describes one host to collect from.
type Target struct {
	Name      string          `yaml:"name"`
	Source    string          `yaml:"source"`
	Root      string          `yaml:"root,omitempty"`
	Remote    RemoteConfig    `yaml:"remote,omitempty"`
	Features  *Features       `yaml:"features,omitempty"`
	Disks     DiskConfig      `yaml:"disks,omitempty"`
	Network   NetworkConfig   `yaml:"network,omitempty"`
	Batteries []Battery       `yaml:"batteries,omitempty"`
	Processes ProcessesConfig `yaml:"processes,omitempty"`
}

// RemoteConfig holds SSH connection settings for a remote target.
type RemoteConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password,omitempty"`
	KeyFile    string   `yaml:"key_file,omitempty"`
	KnownHosts string   `yaml:"known_hosts,omitempty"`
	Timeout    Duration `yaml:"timeout"`
}

// Address returns host:port.
func (r RemoteConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DiskConfig controls which block devices are tracked and visible.
type DiskConfig struct {
	// DeviceFile lists one logical path per line (mount point, directory or
	// device node). Missing is a soft error: the list is simply empty.
	DeviceFile string `yaml:"device_file,omitempty"`
	// Paths are logical paths tracked in addition to DeviceFile.
	Paths []string `yaml:"paths,omitempty"`
	// Allowlist names kernel devices that are always visible. When it is
	// non-empty every other untracked device is hidden.
	Allowlist         []string `yaml:"allowlist,omitempty"`
	IncludeLoopback   bool     `yaml:"include_loopback"`
	IncludeMapper     bool     `yaml:"include_mapper"`
	IncludePartitions bool     `yaml:"include_partitions"`
}

// NetworkConfig controls which interfaces are reported.
type NetworkConfig struct {
	Interfaces      []string `yaml:"interfaces,omitempty"`
	IncludeLoopback bool     `yaml:"include_loopback"`
}

// Battery names a power supply under /sys/class/power_supply.
type Battery struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label,omitempty"`
}

// ProcessesConfig holds process sampler settings.
type ProcessesConfig struct {
	Top int `yaml:"top"`
}

// DefaultConfig returns the default configuration: one local target with
// every feature enabled, rendered as JSON once per second.
func DefaultConfig() *Config {
	return &Config{
		Interval: Duration{time.Second},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Reload: ReloadConfig{
			Enabled: true,
		},
		Pipeline: PipelineConfig{
			Name: "json",
		},
		Targets: []Target{
			{Name: "localhost", Source: SourceLocal},
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "parsing config data", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "reading config file", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Pipeline string
	LogLevel string
	Interval time.Duration
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "parsing embedded config", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid,
					fmt.Sprintf("parsing config file %s", filePath), err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if cli.Pipeline != "" {
		cfg.Pipeline.Name = cli.Pipeline
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Interval > 0 {
		cfg.Interval = Duration{cli.Interval}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// ReadDeviceFile returns the logical paths listed in a device path file,
// one per line. Blank lines and '#' comments are skipped.
func ReadDeviceFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"reading device file", err, map[string]any{"path": path})
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("VITALIS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if name := os.Getenv("VITALIS_PIPELINE"); name != "" {
		cfg.Pipeline.Name = name
	}
	if interval := os.Getenv("VITALIS_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Interval = Duration{d}
		}
	}
}

// applyDefaults fills per-target fields left empty by the YAML document.
func (c *Config) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Source == "" {
			t.Source = SourceLocal
		}
		if t.Features == nil {
			f := DefaultFeatures()
			t.Features = &f
		}
		if t.Processes.Top <= 0 {
			t.Processes.Top = 10
		}
		if t.Source == SourceRemote {
			if t.Remote.Port == 0 {
				t.Remote.Port = 22
			}
			if t.Remote.Timeout.Duration == 0 {
				t.Remote.Timeout = Duration{10 * time.Second}
			}
		}
	}
}

// Validate checks that the configuration can be used to build collectors.
func (c *Config) Validate() error {
	if c.Interval.Duration <= 0 {
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "interval must be positive (got %s)", c.Interval.Duration)
	}
	if c.Pipeline.Name == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "pipeline name is required")
	}
	if len(c.Targets) == 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "at least one target is required")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return apperrors.New(apperrors.ErrCodeConfigInvalid, "target name is required")
		}
		if seen[t.Name] {
			return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "duplicate target name %q", t.Name)
		}
		seen[t.Name] = true

		switch t.Source {
		case SourceLocal:
		case SourceRemote:
			if t.Remote.Host == "" || t.Remote.User == "" {
				return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "target %q: remote host and user are required", t.Name)
			}
			if t.Remote.Password == "" && t.Remote.KeyFile == "" {
				return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "target %q: remote password or key_file is required", t.Name)
			}
		default:
			return apperrors.Newf(apperrors.ErrCodeConfigInvalid,
				"target %q: unknown source %q (expected %q or %q)", t.Name, t.Source, SourceLocal, SourceRemote)
		}
	}
	return nil
}
