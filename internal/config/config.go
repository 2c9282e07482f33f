// Package config provides unified configuration loading for the coordination
// runners. It supports loading from YAML files and environment variables.
//
// Ambient process-wide settings (default output directories, engine command,
// terminal multiplexer) live here as an explicitly constructed object that is
// passed to the dispatchers, never looked up globally.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/psoares-cs/coordination/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config contains all orchestrator configuration settings.
type Config struct {
	// Engine contains settings for the external probabilistic-programming
	// engine the runners sample through.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Dispatch contains settings for parallel dispatch.
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`

	// Logging contains settings for operational logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// OutDir is the default root directory for inference artifacts when the
	// command line does not name one.
	OutDir string `json:"out_dir" yaml:"out_dir"`
}

// EngineConfig configures the external sampling engine adapter.
type EngineConfig struct {
	// Command is the executable invoked for each sampling stage. It receives
	// a JSON request on stdin and streams JSON events on stdout.
	Command string `json:"command" yaml:"command"`

	// Args are extra arguments prepended before the stage name.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// DispatchConfig configures how experiment blocks are fanned out.
type DispatchConfig struct {
	// TmuxBinary is the terminal-multiplexer executable used to host one
	// window per experiment block.
	TmuxBinary string `json:"tmux_binary" yaml:"tmux_binary"`

	// CoreReservation is the fraction of machine cores reserved as headroom
	// when computing the parallel capacity budget. Range: [0, 1).
	CoreReservation float64 `json:"core_reservation" yaml:"core_reservation"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "trace" additionally includes full engine request/response content.
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Command: "coordination-engine",
		},
		Dispatch: DispatchConfig{
			TmuxBinary:      "tmux",
			CoreReservation: constants.DefaultCoreReservation,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		OutDir: ".run/inferences",
	}
}

// Load loads configuration from the default locations and environment
// variables. Order: defaults -> ~/.coordination/config.yaml -> environment.
func Load() (*Config, error) {
	cfg := Default()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".coordination", "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileCfg, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Dispatch.CoreReservation < 0 || c.Dispatch.CoreReservation >= 1 {
		return fmt.Errorf("core_reservation must be in [0, 1), got %f", c.Dispatch.CoreReservation)
	}

	if c.Engine.Command == "" {
		return fmt.Errorf("engine command must not be empty")
	}

	if c.Dispatch.TmuxBinary == "" {
		return fmt.Errorf("tmux_binary must not be empty")
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDINATION_ENGINE_COMMAND"); v != "" {
		cfg.Engine.Command = v
	}

	if v := os.Getenv("COORDINATION_TMUX"); v != "" {
		cfg.Dispatch.TmuxBinary = v
	}

	if v := os.Getenv("COORDINATION_OUT_DIR"); v != "" {
		cfg.OutDir = v
	}

	if v := os.Getenv("COORDINATION_CORE_RESERVATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dispatch.CoreReservation = f
		}
	}

	if v := os.Getenv("COORDINATION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
