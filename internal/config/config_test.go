package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	embedded := []byte("pipeline:\n  name: text\ninterval: 5s")
	t.Setenv("VITALIS_PIPELINE", "socket")
	cli := CLIOverrides{Pipeline: "prometheus", Interval: 2 * time.Second}

	cfg, err := LoadLayered(cli, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.Name != "prometheus" {
		t.Errorf("Pipeline = %q, want CLI override", cfg.Pipeline.Name)
	}
	if cfg.Interval.Duration != 2*time.Second {
		t.Errorf("Interval = %v, want CLI override", cfg.Interval.Duration)
	}
}

func TestLoadLayered_EnvOverridesEmbed(t *testing.T) {
	embedded := []byte("pipeline:\n  name: text\nlogging:\n  level: warn")
	t.Setenv("VITALIS_PIPELINE", "socket")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.Name != "socket" {
		t.Errorf("Pipeline = %q, want env override", cfg.Pipeline.Name)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want embedded value", cfg.Logging.Level)
	}
}

func TestLoadLayered_FileOverridesEmbed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.yaml")
	doc := `
targets:
  - name: web
    source: remote
    remote:
      host: web.internal
      user: monitor
      key_file: /etc/vitalis/id_ed25519
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLayered(CLIOverrides{}, []byte("pipeline:\n  name: text"), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Name != "web" {
		t.Fatalf("Targets = %+v, want only web", cfg.Targets)
	}
	web := cfg.Targets[0]
	if web.Remote.Port != 22 {
		t.Errorf("Port = %d, want default 22", web.Remote.Port)
	}
	if web.Remote.Timeout.Duration != 10*time.Second {
		t.Errorf("Timeout = %v, want default 10s", web.Remote.Timeout.Duration)
	}
	if web.Features == nil || !web.Features.CPU {
		t.Error("features should default to enabled")
	}
	if cfg.Pipeline.Name != "text" {
		t.Errorf("Pipeline = %q, want embedded value", cfg.Pipeline.Name)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Interval.Duration.Seconds() != 1 {
		t.Errorf("Interval = %v, want 1s default", cfg.Interval.Duration)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Source != SourceLocal {
		t.Errorf("Targets = %+v, want one local target", cfg.Targets)
	}
	if cfg.Targets[0].Processes.Top != 10 {
		t.Errorf("Top = %d, want 10", cfg.Targets[0].Processes.Top)
	}
}

func TestLoadFromBytes_Malformed(t *testing.T) {
	_, err := LoadFromBytes([]byte("interval: [not a duration"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid) {
		t.Errorf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero interval", func(c *Config) { c.Interval = Duration{} }, true},
		{"no pipeline", func(c *Config) { c.Pipeline.Name = "" }, true},
		{"no targets", func(c *Config) { c.Targets = nil }, true},
		{"duplicate target", func(c *Config) { c.Targets = append(c.Targets, c.Targets[0]) }, true},
		{"unknown source", func(c *Config) { c.Targets[0].Source = "snmp" }, true},
		{"remote without credentials", func(c *Config) {
			c.Targets[0].Source = SourceRemote
			c.Targets[0].Remote = RemoteConfig{Host: "db", User: "root"}
		}, true},
		{"remote with password", func(c *Config) {
			c.Targets[0].Source = SourceRemote
			c.Targets[0].Remote = RemoteConfig{Host: "db", User: "root", Password: "secret"}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadDeviceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices")
	if err := os.WriteFile(path, []byte("/\n# comment\n\n/home\n  /dev/sdb  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	paths, err := ReadDeviceFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/", "/home", "/dev/sdb"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	_, err = ReadDeviceFile(filepath.Join(dir, "missing"))
	if !apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable) {
		t.Errorf("missing file error = %v, want SOURCE_UNAVAILABLE", err)
	}
}

func TestFeaturesList(t *testing.T) {
	f := Features{Stability: true, CPU: true, Identity: true}
	got := f.List()
	want := []Feature{FeatureIdentity, FeatureCPU, FeatureStability}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLoadFromBytes_PartialFeaturesKeepDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
targets:
  - name: laptop
    features:
      battery: true
      fragmentation: false
`))
	if err != nil {
		t.Fatal(err)
	}
	f := cfg.Targets[0].Features
	if f == nil {
		t.Fatal("features not set")
	}
	if !f.Battery {
		t.Error("battery should be enabled")
	}
	if f.Fragmentation {
		t.Error("fragmentation should be disabled")
	}
	for _, name := range []Feature{FeatureCPU, FeatureMemory, FeatureNetwork, FeatureDisk, FeatureProcesses} {
		if !f.Enabled(name) {
			t.Errorf("%s should keep its default (enabled)", name)
		}
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "telemetry.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.Name = "text"

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Pipeline.Name != "text" {
		t.Errorf("round-tripped pipeline = %q, want text", loaded.Pipeline.Name)
	}
}
