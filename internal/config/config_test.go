package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const validYAML = `
server:
  port: 9090
providers:
  - name: anthropic
    type: anthropic
    api_key: test-key
    models: [claude-sonnet-4-5]
  - name: local
    type: ollama
    base_url: http://localhost:11434
routing:
  default_provider: anthropic
  default_model: claude-sonnet-4-5
  fallback_provider: local
  rules:
    - name: long notes
      provider: local
      match:
        min_prompt_chars: 4000
telemetry:
  store: memory
  max_events: 200
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "anthropic", cfg.Providers[0].Name)
	assert.Equal(t, "anthropic", cfg.Routing.DefaultProvider)
	assert.Equal(t, "local", cfg.Routing.FallbackProvider)
	require.Len(t, cfg.Routing.Rules, 1)
	assert.Equal(t, 4000, cfg.Routing.Rules[0].Match.MinPromptChars)
	assert.Equal(t, 200, cfg.Telemetry.MaxEvents)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "sk-from-env")

	cfg, err := LoadFromFile(writeConfig(t, `
providers:
  - name: anthropic
    type: anthropic
    api_key: ${TEST_GATEWAY_KEY}
routing:
  default_provider: anthropic
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadFromFileBadYAML(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "providers: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderConfig{{Name: "a", Type: "anthropic", APIKey: "k"}}
		cfg.Routing.DefaultProvider = "a"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"unnamed provider", func(c *Config) { c.Providers[0].Name = "" }, "name is required"},
		{"duplicate name", func(c *Config) {
			c.Providers = append(c.Providers, ProviderConfig{Name: "a", Type: "openai"})
		}, "duplicate name"},
		{"untyped provider", func(c *Config) { c.Providers[0].Type = "" }, "type is required"},
		{"negative timeout", func(c *Config) { c.Providers[0].Timeout = -time.Second }, "timeout cannot be negative"},
		{"no default provider", func(c *Config) { c.Routing.DefaultProvider = "" }, "default_provider is required"},
		{"unknown default provider", func(c *Config) { c.Routing.DefaultProvider = "ghost" }, "not a configured provider"},
		{"unknown fallback provider", func(c *Config) { c.Routing.FallbackProvider = "ghost" }, "not a configured provider"},
		{"negative retries", func(c *Config) { c.Routing.MaxRetries = -1 }, "max_retries cannot be negative"},
		{"negative routing timeout", func(c *Config) { c.Routing.Timeout = -time.Second }, "routing.timeout cannot be negative"},
		{"rule without provider", func(c *Config) {
			c.Routing.Rules = []RuleConfig{{Name: "r"}}
		}, "provider is required"},
		{"rule with unknown provider", func(c *Config) {
			c.Routing.Rules = []RuleConfig{{Name: "r", Provider: "ghost"}}
		}, "is not configured"},
		{"redis store without addr", func(c *Config) { c.Telemetry.Store = "redis" }, "redis_addr is required"},
		{"unknown store", func(c *Config) { c.Telemetry.Store = "postgres" }, "must be memory or redis"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRequiresAPIKey(t *testing.T) {
	assert.True(t, ProviderConfig{Type: "anthropic"}.RequiresAPIKey())
	assert.True(t, ProviderConfig{Type: "openai"}.RequiresAPIKey())
	assert.False(t, ProviderConfig{Type: "ollama"}.RequiresAPIKey())
}
