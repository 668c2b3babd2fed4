// Package config loads agentcrew settings from YAML, with defaults and
// environment fallbacks, and turns them into models, stores and loggers.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileSize bounds configuration files read by Load.
const maxFileSize = 1 << 20

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Config is the root of the configuration file.
type Config struct {
	Model       ModelConfig      `yaml:"model"`
	Agent       AgentConfig      `yaml:"agent"`
	Session     SessionConfig    `yaml:"session"`
	Memory      MemoryConfig     `yaml:"memory"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Redis       RedisConfig      `yaml:"redis"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ModelConfig selects and tunes the model provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
	// Params is passed through to the provider on every call.
	Params map[string]any `yaml:"params"`
	// RequestsPerSecond rate-limits model calls; zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AgentConfig describes the agent run by the CLI.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	Culture      []string `yaml:"culture"`

	IncludeHistory bool `yaml:"include_history"`
	// NumHistoryRuns limits history; unset means all runs.
	NumHistoryRuns *int `yaml:"num_history_runs"`
	IncludeSummary bool `yaml:"include_summary"`

	MaxToolIterations       int  `yaml:"max_tool_iterations"`
	MaxConcurrentTools      int  `yaml:"max_concurrent_tools"`
	RequireToolConfirmation bool `yaml:"require_tool_confirmation"`

	ModelTimeout    Duration `yaml:"model_timeout"`
	ToolTimeout     Duration `yaml:"tool_timeout"`
	ApprovalTimeout Duration `yaml:"approval_timeout"`

	// OutputSchema is a JSON schema document, inline or read from
	// OutputSchemaFile.
	OutputSchema     string `yaml:"output_schema"`
	OutputSchemaFile string `yaml:"output_schema_file"`

	EnableMemory      bool `yaml:"enable_memory"`
	SummaryEveryNRuns int  `yaml:"summary_every_n_runs"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Backend string   `yaml:"backend"`
	Prefix  string   `yaml:"prefix"`
	TTL     Duration `yaml:"ttl"`
}

// MemoryConfig selects the memory store.
type MemoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// CheckpointConfig selects the workflow checkpoint store.
type CheckpointConfig struct {
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	Prefix  string   `yaml:"prefix"`
	TTL     Duration `yaml:"ttl"`
}

// RedisConfig is shared by the Redis backed stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	if s == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration that runs without any external service.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, then applies defaults, environment fallbacks and
// validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderOpenAI
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.RequestsPerSecond > 0 && c.Model.Burst == 0 {
		c.Model.Burst = 1
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "assistant"
	}

	if c.Session.Backend == "" {
		c.Session.Backend = BackendMemory
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = BackendMemory
	}
	if c.Checkpoints.Backend == "" {
		c.Checkpoints.Backend = BackendMemory
	}
	if c.Checkpoints.Backend == BackendFile && c.Checkpoints.Dir == "" {
		c.Checkpoints.Dir = ".agentcrew/checkpoints"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) applyEnv() {
	if c.Model.APIKey == "" {
		switch c.Model.Provider {
		case ProviderOpenAI:
			c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderAnthropic:
			c.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("AGENTCREW_REDIS_ADDR")
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic:
		if c.Model.APIKey == "" {
			errs = append(errs, fmt.Errorf("model.api_key is required for provider %s", c.Model.Provider))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown model.provider %q", c.Model.Provider))
	}

	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, errors.New("model.temperature must be within [0, 2]"))
	}

	if c.Model.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("model.requests_per_second must not be negative"))
	}

	if c.Agent.NumHistoryRuns != nil && *c.Agent.NumHistoryRuns < 0 {
		errs = append(errs, errors.New("agent.num_history_runs must not be negative"))
	}

	if c.Agent.MaxToolIterations < 0 {
		errs = append(errs, errors.New("agent.max_tool_iterations must not be negative"))
	}

	if c.Agent.OutputSchema != "" && c.Agent.OutputSchemaFile != "" {
		errs = append(errs, errors.New("agent.output_schema and agent.output_schema_file are mutually exclusive"))
	}

	needsRedis := false

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		needsRedis = true
	default:
		errs = append(errs, fmt.Errorf("unknown session.backend %q", c.Session.Backend))
	}

	switch c.Memory.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Memory.Path == "" {
			errs = append(errs, errors.New("memory.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory.backend %q", c.Memory.Backend))
	}

	switch c.Checkpoints.Backend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		needsRedis = true
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoints.backend %q", c.Checkpoints.Backend))
	}

	if needsRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by a redis backend"))
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}
