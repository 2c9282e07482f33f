package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.Command != "coordination-engine" {
		t.Errorf("engine command = %q, want coordination-engine", cfg.Engine.Command)
	}
	if cfg.Dispatch.TmuxBinary != "tmux" {
		t.Errorf("tmux binary = %q, want tmux", cfg.Dispatch.TmuxBinary)
	}
	if cfg.Dispatch.CoreReservation <= 0 || cfg.Dispatch.CoreReservation >= 1 {
		t.Errorf("core reservation = %f, want a fraction in (0, 1)", cfg.Dispatch.CoreReservation)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  command: /opt/engines/sampler
  args: ["--quiet"]
dispatch:
  tmux_binary: /usr/local/bin/tmux
  core_reservation: 0.5
logging:
  level: debug
out_dir: /data/inferences
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Engine.Command != "/opt/engines/sampler" {
		t.Errorf("engine command = %q", cfg.Engine.Command)
	}
	if len(cfg.Engine.Args) != 1 || cfg.Engine.Args[0] != "--quiet" {
		t.Errorf("engine args = %v", cfg.Engine.Args)
	}
	if cfg.Dispatch.CoreReservation != 0.5 {
		t.Errorf("core reservation = %f, want 0.5", cfg.Dispatch.CoreReservation)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.OutDir != "/data/inferences" {
		t.Errorf("out dir = %q", cfg.OutDir)
	}
}

func TestLoadFromFile_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: trace\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Logging.Level != "trace" {
		t.Errorf("log level = %q, want trace", cfg.Logging.Level)
	}
	if cfg.Engine.Command != "coordination-engine" {
		t.Errorf("engine command should keep default, got %q", cfg.Engine.Command)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COORDINATION_ENGINE_COMMAND", "/tmp/engine")
	t.Setenv("COORDINATION_CORE_RESERVATION", "0.4")
	t.Setenv("COORDINATION_LOG_LEVEL", "debug")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Engine.Command != "/tmp/engine" {
		t.Errorf("engine command = %q", cfg.Engine.Command)
	}
	if cfg.Dispatch.CoreReservation != 0.4 {
		t.Errorf("core reservation = %f", cfg.Dispatch.CoreReservation)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"reservation too high", func(c *Config) { c.Dispatch.CoreReservation = 1.0 }, true},
		{"reservation negative", func(c *Config) { c.Dispatch.CoreReservation = -0.1 }, true},
		{"empty engine command", func(c *Config) { c.Engine.Command = "" }, true},
		{"empty tmux binary", func(c *Config) { c.Dispatch.TmuxBinary = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"empty log level ok", func(c *Config) { c.Logging.Level = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
