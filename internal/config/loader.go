package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns a configuration with every tunable at its documented
// default. The mode map mirrors the flags the CLI accepts for each mode;
// the default mode dispatches with no extra flags.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "claudetini",
			LogLevel:  "INFO",
			LogFormat: "json",
			DataDir:   defaultDataDir(),
		},
		API: APIConfig{
			Listen: "127.0.0.1:7317",
		},
		CLI: CLIConfig{
			Path: "claude",
			Args: []string{"-p", "--permission-mode", "bypassPermissions"},
		},
		Dispatch: DispatchConfig{
			Modes: map[string][]string{
				"with-review":   {"--agents"},
				"full-pipeline": {"--agents", "--full-pipeline"},
				"blitz":         {"--blitz"},
			},
			RunTimeout:        45 * time.Minute,
			TerminationGrace:  5 * time.Second,
			PollInterval:      1 * time.Second,
			PollMaxIterations: 2700,
			RequestTimeout:    15 * time.Second,
			OutputBufferLines: 1000,
			GCHorizon:         15 * time.Minute,
		},
		Fallback: FallbackConfig{
			Preferred: "codex",
			Providers: map[string]ProviderConfig{
				"codex":  {Path: "codex", Args: []string{"exec"}},
				"gemini": {Path: "gemini", Args: []string{"-p"}},
			},
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".claudetini")
	}
	return ".claudetini"
}

// Load reads and parses configuration from a file, expanding ${ENV_VAR}
// references, applying defaults for unset fields, and verifying integrity
// checksums when a lock file is present.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	applyDefaults(cfg)

	if err := VerifyIfLocked(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills derived paths and re-applies defaults that yaml
// decoding may have zeroed (an explicit empty section clears struct fields).
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Service.DataDir == "" {
		cfg.Service.DataDir = def.Service.DataDir
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.CLI.Path == "" {
		cfg.CLI.Path = def.CLI.Path
		cfg.CLI.Args = def.CLI.Args
	}
	if cfg.Dispatch.Modes == nil {
		cfg.Dispatch.Modes = def.Dispatch.Modes
	}
	if cfg.Dispatch.RunTimeout <= 0 {
		cfg.Dispatch.RunTimeout = def.Dispatch.RunTimeout
	}
	if cfg.Dispatch.TerminationGrace <= 0 {
		cfg.Dispatch.TerminationGrace = def.Dispatch.TerminationGrace
	}
	if cfg.Dispatch.PollInterval <= 0 {
		cfg.Dispatch.PollInterval = def.Dispatch.PollInterval
	}
	if cfg.Dispatch.PollMaxIterations <= 0 {
		cfg.Dispatch.PollMaxIterations = def.Dispatch.PollMaxIterations
	}
	if cfg.Dispatch.RequestTimeout <= 0 {
		cfg.Dispatch.RequestTimeout = def.Dispatch.RequestTimeout
	}
	if cfg.Dispatch.OutputBufferLines <= 0 {
		cfg.Dispatch.OutputBufferLines = def.Dispatch.OutputBufferLines
	}
	if cfg.Dispatch.GCHorizon <= 0 {
		cfg.Dispatch.GCHorizon = def.Dispatch.GCHorizon
	}
	if cfg.Dispatch.TranscriptsDir == "" {
		cfg.Dispatch.TranscriptsDir = filepath.Join(cfg.Service.DataDir, "transcripts")
	}
	if cfg.Fallback.Preferred == "" {
		cfg.Fallback.Preferred = def.Fallback.Preferred
	}
	if cfg.Fallback.Providers == nil {
		cfg.Fallback.Providers = def.Fallback.Providers
	}
	if cfg.Roadmap.Path == "" {
		cfg.Roadmap.Path = filepath.Join(cfg.Service.DataDir, "roadmap.db")
	}
}

func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func validate(cfg *Config) error {
	if cfg.CLI.Path == "" {
		return fmt.Errorf("cli.path is required")
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if _, ok := cfg.Fallback.Providers[cfg.Fallback.Preferred]; !ok {
		return fmt.Errorf("fallback.preferred %q is not a configured provider", cfg.Fallback.Preferred)
	}
	for name, p := range cfg.Fallback.Providers {
		if p.Path == "" {
			return fmt.Errorf("fallback provider %q has no path", name)
		}
	}
	if cfg.Dispatch.PollMaxIterations <= 0 {
		return fmt.Errorf("dispatch.poll_max_iterations must be positive")
	}
	return nil
}

// ModeFlags returns the CLI flags for a dispatch mode. Unknown modes and
// the empty mode dispatch with no extra flags.
func (c *Config) ModeFlags(mode string) []string {
	if flags, ok := c.Dispatch.Modes[mode]; ok {
		out := make([]string, len(flags))
		copy(out, flags)
		return out
	}
	return nil
}
