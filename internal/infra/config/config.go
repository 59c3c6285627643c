package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use duration strings
// ("90s", "5m") as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// ResourceConfig holds thresholds for the pre-admission resource check.
type ResourceConfig struct {
	MinAvailableMemoryMB int     `yaml:"min_available_memory_mb"` // default 500
	MaxAgentProcesses    int     `yaml:"max_agent_processes"`     // default 10
	ProcessPattern       string  `yaml:"process_pattern"`         // default: invoker binary name
	LoadFactor           float64 `yaml:"load_factor"`             // load1 ceiling = factor * NumCPU, default 2.0
}

// PoolConfig holds agent pool settings.
type PoolConfig struct {
	// MaxConcurrent is the invocation ceiling. Each external process spawns
	// several helper children, so admission stays in the low single digits.
	MaxConcurrent int            `yaml:"max_concurrent"`
	QueueSize     int            `yaml:"queue_size"`
	QueueTimeout  Duration       `yaml:"queue_timeout"`
	ShutdownGrace Duration       `yaml:"shutdown_grace"`
	SubmitRate    float64        `yaml:"submit_rate"`  // submissions per second, 0 = unlimited
	SubmitBurst   int            `yaml:"submit_burst"` // burst size when submit_rate > 0
	Resources     ResourceConfig `yaml:"resources"`
}

// InvokerConfig holds external agent process settings.
type InvokerConfig struct {
	Binary               string            `yaml:"binary"`
	WorkDir              string            `yaml:"work_dir"`
	ExtraArgs            []string          `yaml:"extra_args,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
	DefaultTimeout       Duration          `yaml:"default_timeout"`
	SessionResumeTimeout Duration          `yaml:"session_resume_timeout"`
	RequestDeadline      Duration          `yaml:"request_deadline"`
	MaxRetries           int               `yaml:"max_retries"`
}

// BreakerConfig holds per-source circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	Cooldown    Duration `yaml:"cooldown"`
}

// FactsSourceConfig configures the durable-facts knowledge source.
type FactsSourceConfig struct {
	Path string `yaml:"path"` // markdown file; empty disables the source
}

// ConversationSourceConfig configures the SQLite conversation log source.
type ConversationSourceConfig struct {
	DBPath   string `yaml:"db_path"` // empty disables the source
	MaxTurns int    `yaml:"max_turns"`
}

// SemanticSourceConfig configures the remote semantic recall source.
type SemanticSourceConfig struct {
	URL        string   `yaml:"url"` // empty disables the source
	MaxResults int      `yaml:"max_results"`
	MaxChars   int      `yaml:"max_chars"`
	Timeout    Duration `yaml:"timeout"`
}

// ContextConfig holds context assembly settings.
type ContextConfig struct {
	InstructionsPath  string                   `yaml:"instructions_path"`
	SourceTimeout     Duration                 `yaml:"source_timeout"`
	MaxChars          int                      `yaml:"max_chars"`
	DegradationNotice *bool                    `yaml:"degradation_notice,omitempty"` // nil = enabled
	Facts             FactsSourceConfig        `yaml:"facts"`
	Conversation      ConversationSourceConfig `yaml:"conversation"`
	Semantic          SemanticSourceConfig     `yaml:"semantic"`
	Breaker           BreakerConfig            `yaml:"breaker"`
}

// CredentialsConfig holds credential store settings.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// MaintenanceConfig holds scheduled sweep settings.
type MaintenanceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	StatusSchedule string `yaml:"status_schedule"` // cron spec, default "@every 5m"
	ExpirySchedule string `yaml:"expiry_schedule"` // cron spec, default "@daily"
}

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Pool        PoolConfig        `yaml:"pool"`
	Invoker     InvokerConfig     `yaml:"invoker"`
	Context     ContextConfig     `yaml:"context"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// Default returns a Config with all defaults applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the YAML config at path. A missing file is an
// error; use Default for file-less operation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}

	if c.Pool.MaxConcurrent <= 0 {
		c.Pool.MaxConcurrent = 4
	}
	if c.Pool.QueueSize <= 0 {
		c.Pool.QueueSize = 64
	}
	if c.Pool.QueueTimeout <= 0 {
		c.Pool.QueueTimeout = Duration(5 * time.Minute)
	}
	if c.Pool.ShutdownGrace <= 0 {
		c.Pool.ShutdownGrace = Duration(5 * time.Second)
	}
	if c.Pool.SubmitBurst <= 0 {
		c.Pool.SubmitBurst = 1
	}
	if c.Pool.Resources.MinAvailableMemoryMB <= 0 {
		c.Pool.Resources.MinAvailableMemoryMB = 500
	}
	if c.Pool.Resources.MaxAgentProcesses <= 0 {
		c.Pool.Resources.MaxAgentProcesses = 10
	}
	if c.Pool.Resources.LoadFactor <= 0 {
		c.Pool.Resources.LoadFactor = 2.0
	}

	if c.Invoker.Binary == "" {
		c.Invoker.Binary = "claude"
	}
	if c.Invoker.DefaultTimeout <= 0 {
		c.Invoker.DefaultTimeout = Duration(120 * time.Second)
	}
	if c.Invoker.SessionResumeTimeout <= 0 {
		c.Invoker.SessionResumeTimeout = Duration(180 * time.Second)
	}
	if c.Invoker.RequestDeadline <= 0 {
		c.Invoker.RequestDeadline = Duration(180 * time.Second)
	}
	if c.Invoker.MaxRetries <= 0 {
		c.Invoker.MaxRetries = 2
	}
	if c.Pool.Resources.ProcessPattern == "" {
		c.Pool.Resources.ProcessPattern = c.Invoker.Binary
	}

	if c.Context.SourceTimeout <= 0 {
		c.Context.SourceTimeout = Duration(6 * time.Second)
	}
	if c.Context.MaxChars <= 0 {
		c.Context.MaxChars = 24000
	}
	if c.Context.Conversation.MaxTurns <= 0 {
		c.Context.Conversation.MaxTurns = 10
	}
	if c.Context.Semantic.MaxResults <= 0 {
		c.Context.Semantic.MaxResults = 5
	}
	if c.Context.Semantic.MaxChars <= 0 {
		c.Context.Semantic.MaxChars = 1500
	}
	if c.Context.Semantic.Timeout <= 0 {
		c.Context.Semantic.Timeout = Duration(5 * time.Second)
	}
	if c.Context.Breaker.MaxFailures == 0 {
		c.Context.Breaker.MaxFailures = 3
	}
	if c.Context.Breaker.Cooldown <= 0 {
		c.Context.Breaker.Cooldown = Duration(60 * time.Second)
	}

	if c.Maintenance.StatusSchedule == "" {
		c.Maintenance.StatusSchedule = "@every 5m"
	}
	if c.Maintenance.ExpirySchedule == "" {
		c.Maintenance.ExpirySchedule = "@daily"
	}
}

// applyEnvOverrides applies OVERSEER_* environment variables on top of the
// file. Only operationally useful knobs are exposed this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OVERSEER_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("OVERSEER_POOL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.MaxConcurrent = n
		}
	}
	if v := os.Getenv("OVERSEER_INVOKER_BINARY"); v != "" {
		c.Invoker.Binary = v
	}
	if v := os.Getenv("OVERSEER_INVOKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Invoker.DefaultTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OVERSEER_CREDENTIALS_PATH"); v != "" {
		c.Credentials.Path = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrent > 16 {
		return fmt.Errorf("pool.max_concurrent %d is unreasonable for a heavyweight external process", c.Pool.MaxConcurrent)
	}
	if c.Invoker.WorkDir != "" {
		info, err := os.Stat(c.Invoker.WorkDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("invoker.work_dir %q is not a directory", c.Invoker.WorkDir)
		}
	}
	if c.Invoker.RequestDeadline < c.Invoker.DefaultTimeout {
		return fmt.Errorf("invoker.request_deadline must be >= invoker.default_timeout")
	}
	return nil
}

// DegradationEnabled reports whether the context builder should append a
// notice when sources fail. Defaults to true when unset.
func (c *ContextConfig) DegradationEnabled() bool {
	return c.DegradationNotice == nil || *c.DegradationNotice
}
