// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "pipeline.toml"

// Config represents the pipeline configuration.
type Config struct {
	Pipeline   PipelineConfig    `toml:"pipeline"`
	Models     map[string]string `toml:"models"` // tier -> model name
	Service    ServiceConfig     `toml:"service"`
	Gate       GateConfig        `toml:"gate"`
	Checkpoint CheckpointConfig  `toml:"checkpoint"`
	Security   SecurityConfig    `toml:"security"`
	Telemetry  TelemetryConfig   `toml:"telemetry"`
	Events     EventsConfig      `toml:"events"`
	Logging    LoggingConfig     `toml:"logging"`
}

// PipelineConfig contains run-wide limits and defaults.
type PipelineConfig struct {
	ProjectsDir   string  `toml:"projects_dir"`
	BudgetUSD     float64 `toml:"budget_usd"`
	StepBudgetUSD float64 `toml:"step_budget_usd"` // 0 = per-step registry ceiling
	StepTimeout   string  `toml:"step_timeout"`    // "" = per-step registry timeout
	Parallel      bool    `toml:"parallel"`
	Model         string  `toml:"model"`    // forces one model for every step
	Registry      string  `toml:"registry"` // "" = embedded default
}

// ServiceConfig configures the execution service subprocess.
type ServiceConfig struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Env      []string `toml:"env"` // names of environment variables to pass through
	Workdir  string   `toml:"workdir"`
	Provider string   `toml:"provider"` // credentials provider for the API key
}

// GateConfig configures the validation gate.
type GateConfig struct {
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	Timeout    string            `toml:"timeout"`
	AuditLog   string            `toml:"audit_log"` // may contain {project}; "" = <projects_dir>/<project>/gate-overrides.log
	RetryRules map[string]string `toml:"retry_rules"`
}

// CheckpointConfig contains checkpoint storage settings.
type CheckpointConfig struct {
	Dir string `toml:"dir"`
}

// SecurityConfig configures the pre-scan.
type SecurityConfig struct {
	Threshold    int    `toml:"threshold"`
	MaxFileBytes int64  `toml:"max_file_bytes"`
	CorpusSubdir string `toml:"corpus_subdir"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol    string            `toml:"protocol"` // grpc, http or noop
	Insecure    bool              `toml:"insecure"` // Disable TLS (default false)
	Headers     map[string]string `toml:"headers"`  // Auth headers (e.g., DD-API-KEY, x-honeycomb-team)
	ServiceName string            `toml:"service_name"`
}

// EventsConfig configures progress publishing.
type EventsConfig struct {
	URL           string `toml:"url"` // NATS server; empty disables events
	SubjectPrefix string `toml:"subject_prefix"`
}

// LoggingConfig contains log settings.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			ProjectsDir: "projects",
			BudgetUSD:   50,
			Parallel:    true,
		},
		Models: map[string]string{
			"heavy":    "opus",
			"standard": "sonnet",
			"light":    "haiku",
		},
		Service: ServiceConfig{
			Command:  "claude",
			Provider: "anthropic",
		},
		Gate: GateConfig{
			Timeout: "10m",
		},
		Checkpoint: CheckpointConfig{
			Dir: filepath.Join(".pipeline", "checkpoints"),
		},
		Security: SecurityConfig{
			Threshold:    3,
			MaxFileBytes: 2 << 20,
			CorpusSubdir: "input",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Events: EventsConfig{
			SubjectPrefix: "pipeline",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path when given, otherwise pipeline.toml in the current
// directory if it exists, otherwise the defaults.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	candidate := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(candidate); err != nil {
		return Default(), nil
	}
	return LoadFile(candidate)
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if c.Pipeline.BudgetUSD < 0 || c.Pipeline.StepBudgetUSD < 0 {
		return fmt.Errorf("invalid config: budgets must not be negative")
	}
	if _, err := c.StepTimeout(); err != nil {
		return err
	}
	if _, err := c.GateTimeout(); err != nil {
		return err
	}
	switch c.Telemetry.Protocol {
	case "", "noop", "grpc", "http":
	default:
		return fmt.Errorf("invalid config: unknown telemetry protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// StepTimeout returns the configured per-step timeout override, or 0.
func (c *Config) StepTimeout() (time.Duration, error) {
	return parseDuration("pipeline.step_timeout", c.Pipeline.StepTimeout)
}

// GateTimeout returns the validation gate timeout, or 0 for none.
func (c *Config) GateTimeout() (time.Duration, error) {
	return parseDuration("gate.timeout", c.Gate.Timeout)
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid config: %s: %q is not a duration", field, raw)
	}
	return d, nil
}

// AuditLogPath returns the override audit trail path for a project.
func (c *Config) AuditLogPath(projectID string) string {
	if c.Gate.AuditLog == "" {
		return filepath.Join(c.Pipeline.ProjectsDir, projectID, "gate-overrides.log")
	}
	return strings.ReplaceAll(c.Gate.AuditLog, "{project}", projectID)
}

// CorpusDir returns the directory scanned before a project's run.
func (c *Config) CorpusDir(projectID string) string {
	return filepath.Join(c.Pipeline.ProjectsDir, projectID, c.Security.CorpusSubdir)
}

// ServiceEnv resolves the pass-through variable names to KEY=VALUE pairs.
// Unset variables are skipped.
func (c *Config) ServiceEnv() []string {
	var env []string
	for _, name := range c.Service.Env {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}
