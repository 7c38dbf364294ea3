package config

import "time"

// Config represents the complete claudetini configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api"`
	CLI      CLIConfig      `yaml:"cli"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Fallback FallbackConfig `yaml:"fallback"`
	Roadmap  RoadmapConfig  `yaml:"roadmap"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DataDir   string `yaml:"data_dir"`
}

// APIConfig defines the HTTP control surface. The listener binds to
// loopback only; APIKey is an optional bearer token on top of that.
type APIConfig struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key"`
}

// CLIConfig locates the primary coding-assistant binary.
type CLIConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// DispatchConfig tunes the dispatch lifecycle.
type DispatchConfig struct {
	// Modes maps a dispatch mode name to the CLI flags it expands to.
	Modes map[string][]string `yaml:"modes,omitempty"`

	RunTimeout        time.Duration `yaml:"run_timeout"`
	TerminationGrace  time.Duration `yaml:"termination_grace"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollMaxIterations int           `yaml:"poll_max_iterations"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	OutputBufferLines int           `yaml:"output_buffer_lines"`
	GCHorizon         time.Duration `yaml:"gc_horizon"`
	TranscriptsDir    string        `yaml:"transcripts_dir"`
}

// FallbackConfig names the alternate providers used on usage-limit exhaustion.
type FallbackConfig struct {
	// Preferred is the provider offered first ("codex" or "gemini").
	Preferred string                    `yaml:"preferred"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig locates one fallback provider binary.
type ProviderConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// RoadmapConfig defines roadmap item persistence.
type RoadmapConfig struct {
	Path string `yaml:"path"`
}
