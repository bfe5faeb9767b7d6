// Package config loads and validates the praetor YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// Config is the top-level praetor configuration.
type Config struct {
	Version   string           `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Detectors DetectorConfig   `yaml:"detectors"`
	Output    OutputConfig     `yaml:"output"`
	Audit     AuditConfig      `yaml:"audit"`
	Stats     StatsConfig      `yaml:"stats"`
	Agents    map[string]Agent `yaml:"agents"`
	Webhooks  []Webhook        `yaml:"webhooks"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
}

// DetectorConfig configures the prompt-side evaluation pipeline.
type DetectorConfig struct {
	// ClassifierURL is the remote classifier endpoint. Empty means
	// pattern-only mode (every kind runs its local detector as primary).
	ClassifierURL string `yaml:"classifier_url"`
	// APIKeyEnv names the environment variable holding the classifier
	// credential; the key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`
	// TimeoutSeconds bounds each detector call.
	TimeoutSeconds int `yaml:"timeout_s"`
	// DeadlineSeconds bounds a whole evaluation.
	DeadlineSeconds int `yaml:"deadline_s"`
	// Enabled lists the globally enabled kinds. Empty means all.
	Enabled []string `yaml:"enabled"`
	// Thresholds overrides per-kind blocking thresholds.
	Thresholds map[string]float64 `yaml:"thresholds"`
	// FailOpen maps inconclusive evaluations to passed at the API
	// boundary instead of the conservative blocked default.
	FailOpen bool `yaml:"fail_open"`
}

// OutputConfig configures the response-side (output guardrail) ruleset.
type OutputConfig struct {
	Enabled      []string `yaml:"enabled"`
	SafeResponse string   `yaml:"safe_response"`
}

// AuditConfig configures the durable audit sink.
type AuditConfig struct {
	Backend string `yaml:"backend"` // sqlite or postgres
	DBPath  string `yaml:"db_path"`
	// DSNEnv names the environment variable with the Postgres DSN.
	DSNEnv         string `yaml:"dsn_env"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
	// Async switches the recorder to best-effort buffered writes.
	Async       bool `yaml:"async"`
	AsyncBuffer int  `yaml:"async_buffer"`
}

// StatsConfig configures the aggregation store.
type StatsConfig struct {
	Backend   string `yaml:"backend"` // memory or redis
	RedisAddr string `yaml:"redis_addr"`
}

// Agent defines registry metadata for one agent.
type Agent struct {
	Name       string `yaml:"name,omitempty"`
	Department string `yaml:"department"`
	Team       string `yaml:"team,omitempty"`
	Active     *bool  `yaml:"active,omitempty"` // nil means active
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"` // blocked, inconclusive, audit_write_failed
}

// Load reads and parses a praetor config file, applying defaults for
// anything the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyZeroDefaults()
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Detectors: DetectorConfig{
			TimeoutSeconds:  5,
			DeadlineSeconds: 10,
		},
		Audit: AuditConfig{
			Backend:        "sqlite",
			DBPath:         "praetor-audit.db",
			RetryAttempts:  3,
			RetryBackoffMS: 50,
			AsyncBuffer:    256,
		},
		Stats: StatsConfig{
			Backend: "memory",
		},
		Agents: make(map[string]Agent),
	}
}

func (c *Config) applyZeroDefaults() {
	if c.Detectors.TimeoutSeconds == 0 {
		c.Detectors.TimeoutSeconds = 5
	}
	if c.Detectors.DeadlineSeconds == 0 {
		c.Detectors.DeadlineSeconds = 10
	}
	if c.Audit.RetryAttempts == 0 {
		c.Audit.RetryAttempts = 3
	}
	if c.Audit.RetryBackoffMS == 0 {
		c.Audit.RetryBackoffMS = 50
	}
	if c.Audit.AsyncBuffer == 0 {
		c.Audit.AsyncBuffer = 256
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	for _, name := range c.Detectors.Enabled {
		if !guardrail.Kind(name).Valid() {
			return fmt.Errorf("unknown guardrail kind %q in detectors.enabled", name)
		}
	}
	for _, name := range c.Output.Enabled {
		if !guardrail.Kind(name).Valid() {
			return fmt.Errorf("unknown guardrail kind %q in output.enabled", name)
		}
	}
	for name, t := range c.Detectors.Thresholds {
		if !guardrail.Kind(name).Valid() {
			return fmt.Errorf("unknown guardrail kind %q in detectors.thresholds", name)
		}
		if t < 0 || t > 1 {
			return fmt.Errorf("threshold for %q must be in [0,1], got %v", name, t)
		}
	}
	switch c.Audit.Backend {
	case "sqlite":
		if c.Audit.DBPath == "" {
			return fmt.Errorf("audit.db_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Audit.DSNEnv == "" {
			return fmt.Errorf("audit.dsn_env is required for the postgres backend")
		}
	default:
		return fmt.Errorf("audit.backend must be sqlite or postgres, got %q", c.Audit.Backend)
	}
	switch c.Stats.Backend {
	case "memory":
	case "redis":
		if c.Stats.RedisAddr == "" {
			return fmt.Errorf("stats.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("stats.backend must be memory or redis, got %q", c.Stats.Backend)
	}
	for _, a := range c.Agents {
		if a.Department == "" {
			return fmt.Errorf("every agent needs a department")
		}
	}
	return nil
}

// EnabledKinds returns the configured kind set in canonical order, or all
// kinds when none are listed.
func (c *Config) EnabledKinds() []guardrail.Kind {
	return kindsOrAll(c.Detectors.Enabled, guardrail.Kinds)
}

// OutputKinds returns the response-side kind set. The default output
// ruleset checks whether the reply solicits sensitive data and whether it
// is toxic.
func (c *Config) OutputKinds() []guardrail.Kind {
	return kindsOrAll(c.Output.Enabled, []guardrail.Kind{
		guardrail.KindSensitiveRequest, guardrail.KindToxicity,
	})
}

func kindsOrAll(names []string, all []guardrail.Kind) []guardrail.Kind {
	if len(names) == 0 {
		out := make([]guardrail.Kind, len(all))
		copy(out, all)
		return out
	}
	out := make([]guardrail.Kind, 0, len(names))
	for _, k := range guardrail.Kinds {
		for _, n := range names {
			if guardrail.Kind(n) == k {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// Thresholds merges configured threshold overrides over the defaults.
func (c *Config) Thresholds(defaults map[guardrail.Kind]float64) map[guardrail.Kind]float64 {
	out := make(map[guardrail.Kind]float64, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for name, t := range c.Detectors.Thresholds {
		out[guardrail.Kind(name)] = t
	}
	return out
}

// DetectorTimeout returns the per-detector timeout as a duration.
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detectors.TimeoutSeconds) * time.Second
}

// Deadline returns the per-evaluation deadline as a duration.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Detectors.DeadlineSeconds) * time.Second
}
