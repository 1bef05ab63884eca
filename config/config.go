package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentpipe/agent"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/retry"
	"github.com/hupe1980/agentpipe/tool"
)

// Format is the encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Defaults applied by Load.
const (
	DefaultApp               = "agentpipe"
	DefaultUser              = "local"
	DefaultPipeline          = "pipeline"
	DefaultInputKey          = "user_query"
	DefaultMaxConcurrentRuns = 10
	DefaultFailureThreshold  = 3
)

// Config is a complete pipeline definition.
type Config struct {
	App      string `yaml:"app" toml:"app"`
	User     string `yaml:"user" toml:"user"`
	Pipeline string `yaml:"pipeline" toml:"pipeline"`
	// InputKey is the context key the user message is seeded under.
	InputKey          string `yaml:"input_key" toml:"input_key"`
	RetainContext     bool   `yaml:"retain_context" toml:"retain_context"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs" toml:"max_concurrent_runs"`
	// ToolFailureThreshold opens an endpoint's circuit after this many
	// consecutive failed invocations. Negative disables the circuit.
	ToolFailureThreshold int `yaml:"tool_failure_threshold" toml:"tool_failure_threshold"`

	Logging      LoggingConfig          `yaml:"logging" toml:"logging"`
	Retry        RetryConfig            `yaml:"retry" toml:"retry"`
	Compaction   CompactionConfig       `yaml:"compaction" toml:"compaction"`
	SessionStore SessionStoreConfig     `yaml:"session_store" toml:"session_store"`
	Artifacts    ArtifactStoreConfig    `yaml:"artifact_store" toml:"artifact_store"`
	Models       map[string]ModelConfig `yaml:"models" toml:"models"`
	Tools        map[string]ToolConfig  `yaml:"tools" toml:"tools"`
	Steps        []StepConfig           `yaml:"steps" toml:"steps"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// RetryConfig mirrors retry.Policy. It applies to model calls and tool
// invocations alike.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialDelay    Duration `yaml:"initial_delay" toml:"initial_delay"`
	ExponentialBase float64  `yaml:"exponential_base" toml:"exponential_base"`
	MaxDelay        Duration `yaml:"max_delay" toml:"max_delay"`
	StatusCodes     []int    `yaml:"status_codes" toml:"status_codes"`
}

// CompactionConfig configures session history compaction. Interval zero
// disables compaction.
type CompactionConfig struct {
	Interval int `yaml:"interval" toml:"interval"`
	Overlap  int `yaml:"overlap" toml:"overlap"`
	// Model names the entry of Models used to write summaries.
	Model string `yaml:"model" toml:"model"`
}

// SessionStoreConfig selects the session backend.
type SessionStoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// ArtifactStoreConfig selects where blob outputs are kept.
type ArtifactStoreConfig struct {
	// Driver is "memory" or "dir".
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// ModelConfig configures one model backend.
type ModelConfig struct {
	// Provider is "openai" or "anthropic".
	Provider    string  `yaml:"provider" toml:"provider"`
	Name        string  `yaml:"name" toml:"name"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens" toml:"max_tokens"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
}

// ToolConfig configures one tool server.
type ToolConfig struct {
	Transport   string            `yaml:"transport" toml:"transport"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Command     string            `yaml:"command" toml:"command"`
	Args        []string          `yaml:"args" toml:"args"`
	Cwd         string            `yaml:"cwd" toml:"cwd"`
	Env         map[string]string `yaml:"env" toml:"env"`
	CallTimeout Duration          `yaml:"call_timeout" toml:"call_timeout"`
}

// StepConfig declares one pipeline step.
type StepConfig struct {
	Name        string         `yaml:"name" toml:"name"`
	Model       string         `yaml:"model" toml:"model"`
	Tool        string         `yaml:"tool" toml:"tool"`
	Requires    []string       `yaml:"requires" toml:"requires"`
	OutputKey   string         `yaml:"output_key" toml:"output_key"`
	OutputShape string         `yaml:"output_shape" toml:"output_shape"`
	Instruction string         `yaml:"instruction" toml:"instruction"`
	Params      map[string]any `yaml:"params" toml:"params"`
	MaxTurns    int            `yaml:"max_turns" toml:"max_turns"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = FormatTOML
	}

	return Parse(data, format)
}

// Parse decodes data, expands ${VAR} references, applies defaults and
// validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.App == "" {
		c.App = DefaultApp
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Pipeline == "" {
		c.Pipeline = DefaultPipeline
	}
	if c.InputKey == "" {
		c.InputKey = DefaultInputKey
	}
	if c.MaxConcurrentRuns == 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.ToolFailureThreshold == 0 {
		c.ToolFailureThreshold = DefaultFailureThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.SessionStore.Driver == "" {
		c.SessionStore.Driver = "memory"
	}
	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = "memory"
	}

	def := retry.DefaultPolicy()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = Duration(def.InitialDelay)
	}
	if c.Retry.ExponentialBase == 0 {
		c.Retry.ExponentialBase = def.ExponentialBase
	}
	if len(c.Retry.StatusCodes) == 0 {
		c.Retry.StatusCodes = def.StatusCodes
	}

	for i := range c.Steps {
		if c.Steps[i].OutputShape == "" {
			c.Steps[i].OutputShape = string(agent.ShapeText)
		}
	}
}

// Validate checks that all required configuration fields are present and
// that steps only reference declared models and tools. It returns the first
// failure encountered.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("logging.format must be text, json or console, got %q", c.Logging.Format)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	switch c.SessionStore.Driver {
	case "memory":
	case "sqlite":
		if c.SessionStore.Path == "" {
			return fmt.Errorf("session_store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("session_store.driver must be memory or sqlite, got %q", c.SessionStore.Driver)
	}

	switch c.Artifacts.Driver {
	case "memory":
	case "dir":
		if c.Artifacts.Path == "" {
			return fmt.Errorf("artifact_store.path is required for the dir driver")
		}
	default:
		return fmt.Errorf("artifact_store.driver must be memory or dir, got %q", c.Artifacts.Driver)
	}

	for name, m := range c.Models {
		switch m.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("models.%s.provider must be openai or anthropic, got %q", name, m.Provider)
		}
		if m.Name == "" {
			return fmt.Errorf("models.%s.name is required", name)
		}
	}

	for name, t := range c.Tools {
		if err := t.Ref(name).Validate(); err != nil {
			return fmt.Errorf("tools.%s: %w", name, err)
		}
	}

	if c.Compaction.Interval < 0 || c.Compaction.Overlap < 0 {
		return fmt.Errorf("compaction.interval and compaction.overlap must be >= 0")
	}
	if c.Compaction.Interval > 0 {
		if _, ok := c.Models[c.Compaction.Model]; !ok {
			return fmt.Errorf("compaction.model %q is not a declared model", c.Compaction.Model)
		}
	}

	if len(c.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		if s.Name == "" {
			return fmt.Errorf("steps[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("steps[%d]: duplicate step name %q", i, s.Name)
		}
		seen[s.Name] = true

		if s.OutputKey == "" {
			return fmt.Errorf("steps.%s.output_key is required", s.Name)
		}
		if _, err := agent.ParseShape(s.OutputShape); err != nil {
			return fmt.Errorf("steps.%s: %w", s.Name, err)
		}
		if err := agent.NewInstructionFromText(s.Instruction).Validate(); err != nil {
			return fmt.Errorf("steps.%s.instruction: %w", s.Name, err)
		}
		if _, ok := c.Models[s.Model]; !ok {
			return fmt.Errorf("steps.%s.model %q is not a declared model", s.Name, s.Model)
		}
		if s.Tool != "" {
			if _, ok := c.Tools[s.Tool]; !ok {
				return fmt.Errorf("steps.%s.tool %q is not a declared tool", s.Name, s.Tool)
			}
		}
		if s.MaxTurns < 0 {
			return fmt.Errorf("steps.%s.max_turns must be >= 0", s.Name)
		}
	}

	return nil
}

// Warnings reports required keys no earlier step produces. Such steps fail
// with a missing input error at run time.
func (c *Config) Warnings() []string {
	var out []string

	available := map[string]bool{c.InputKey: true}
	for _, s := range c.Steps {
		for _, k := range s.Requires {
			if !available[k] {
				out = append(out, fmt.Sprintf("step %s requires %q which no earlier step produces", s.Name, k))
			}
		}
		available[s.OutputKey] = true
	}
	return out
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		StatusCodes:     c.Retry.StatusCodes,
		InitialDelay:    c.Retry.InitialDelay.Std(),
		ExponentialBase: c.Retry.ExponentialBase,
		MaxDelay:        c.Retry.MaxDelay.Std(),
	}
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.LogLevel {
	l, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.LogLevelInfo
	}
	return l
}

// Ref converts the tool section into a tool.Ref named name.
func (t ToolConfig) Ref(name string) tool.Ref {
	return tool.Ref{
		Name:        name,
		Transport:   tool.Transport(t.Transport),
		Endpoint:    t.Endpoint,
		Command:     t.Command,
		Args:        t.Args,
		WorkDir:     t.Cwd,
		Env:         t.Env,
		CallTimeout: t.CallTimeout.Std(),
	}
}
