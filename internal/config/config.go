// Package config loads the gateway's YAML configuration, expands
// environment variables, and supports hot reload through a file
// watcher.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Safety    SafetyConfig     `yaml:"safety"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig defines a single provider adapter. A provider whose
// api_key resolves empty is skipped at wiring time rather than
// rejected, so a deployment can carry config for vendors it has no
// credentials for.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []string          `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// RequiresAPIKey reports whether the provider type needs credentials.
func (p ProviderConfig) RequiresAPIKey() bool {
	return p.Type != "ollama"
}

// RoutingConfig defines dispatch targets and rules.
type RoutingConfig struct {
	DefaultProvider  string        `yaml:"default_provider"`
	DefaultModel     string        `yaml:"default_model"`
	FallbackProvider string        `yaml:"fallback_provider"`
	FallbackModel    string        `yaml:"fallback_model"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Timeout          time.Duration `yaml:"timeout"`
	Rules            []RuleConfig  `yaml:"rules"`
}

// RuleConfig is a declarative routing rule. All present match criteria
// must hold for the rule to fire.
type RuleConfig struct {
	Name     string      `yaml:"name"`
	Provider string      `yaml:"provider"`
	Model    string      `yaml:"model"`
	Match    MatchConfig `yaml:"match"`
}

// MatchConfig holds the rule's criteria. Zero-valued criteria are
// ignored.
type MatchConfig struct {
	PromptContains []string `yaml:"prompt_contains"`
	SystemContains []string `yaml:"system_contains"`
	MinPromptChars int      `yaml:"min_prompt_chars"`
	JSONMode       *bool    `yaml:"json_mode"`
}

// SafetyConfig extends the pre-dispatch safety screen.
type SafetyConfig struct {
	BlockedTerms []string `yaml:"blocked_terms"`
}

// TelemetryConfig selects the event store backend.
type TelemetryConfig struct {
	Store     string `yaml:"store"` // memory, redis
	MaxEvents int    `yaml:"max_events"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

// RateLimitConfig bounds outbound request rate per destination.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Store:     "memory",
			MaxEvents: 500,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "aigateway",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	names := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		names[p.Name] = struct{}{}
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	if c.Routing.DefaultProvider == "" {
		return fmt.Errorf("routing.default_provider is required")
	}
	if _, ok := names[c.Routing.DefaultProvider]; !ok {
		return fmt.Errorf("routing.default_provider %q is not a configured provider", c.Routing.DefaultProvider)
	}
	if fb := c.Routing.FallbackProvider; fb != "" {
		if _, ok := names[fb]; !ok {
			return fmt.Errorf("routing.fallback_provider %q is not a configured provider", fb)
		}
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("routing.max_retries cannot be negative")
	}
	if c.Routing.Timeout < 0 {
		return fmt.Errorf("routing.timeout cannot be negative")
	}
	for i, rule := range c.Routing.Rules {
		if rule.Provider == "" {
			return fmt.Errorf("routing.rules[%d] (%s): provider is required", i, rule.Name)
		}
		if _, ok := names[rule.Provider]; !ok {
			return fmt.Errorf("routing.rules[%d] (%s): provider %q is not configured", i, rule.Name, rule.Provider)
		}
		if rule.Match.MinPromptChars < 0 {
			return fmt.Errorf("routing.rules[%d] (%s): min_prompt_chars cannot be negative", i, rule.Name)
		}
	}

	switch c.Telemetry.Store {
	case "", "memory":
	case "redis":
		if c.Telemetry.RedisAddr == "" {
			return fmt.Errorf("telemetry.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("telemetry.store must be memory or redis, got %q", c.Telemetry.Store)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}
