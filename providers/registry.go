// Package providers provides a unified registry for all built-in
// vendor adapters, allowing adapter creation from configuration by
// type name.
package providers

import (
	"fmt"
	"sync"

	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/providers/anthropic"
	"github.com/clinexa/aigateway/providers/gemini"
	"github.com/clinexa/aigateway/providers/ollama"
	"github.com/clinexa/aigateway/providers/openai"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers a provider factory under the given type name.
func Register(providerType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[providerType] = factory
}

// Get returns the factory for the given provider type.
func Get(providerType string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[providerType]
	return f, ok
}

// Create creates an adapter instance from configuration.
func Create(cfg provider.Config) (provider.Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}

	return factory(cfg)
}

// List returns all registered provider type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers all built-in adapter factories. Called
// automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register("anthropic", anthropic.NewFromConfig)
		Register("openai", openai.NewFromConfig)
		Register("gemini", gemini.NewFromConfig)
		Register("ollama", ollama.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
