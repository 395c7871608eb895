package resilience

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/clinexa/aigateway/internal/metrics"
)

// Registry coordinates breakers and rate limiters for multiple named
// destinations. Breakers are created lazily on first lookup and live
// for the lifetime of the process; a name's settings are captured on
// first creation and subsequent lookups return the same instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*rate.Limiter

	defaults     Settings
	limiterRate  rate.Limit
	limiterBurst int
}

// RegistryConfig contains defaults applied when a breaker or limiter is
// created without explicit settings.
type RegistryConfig struct {
	Breaker      Settings
	LimiterRate  float64 // requests per second, 0 disables limiting
	LimiterBurst int
}

// NewRegistry creates a registry with the given defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultSettings()
	}
	if cfg.LimiterBurst <= 0 {
		cfg.LimiterBurst = 10
	}
	return &Registry{
		breakers:     make(map[string]*CircuitBreaker),
		limiters:     make(map[string]*rate.Limiter),
		defaults:     cfg.Breaker,
		limiterRate:  rate.Limit(cfg.LimiterRate),
		limiterBurst: cfg.LimiterBurst,
	}
}

// Breaker returns the breaker for name, creating it with the registry
// defaults when absent.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	return r.BreakerWith(name, r.defaults)
}

// BreakerWith returns the breaker for name, creating it with settings
// when absent. Settings are ignored for an existing breaker.
func (r *Registry) BreakerWith(name string, settings Settings) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	cb = NewCircuitBreaker(name, settings)
	cb.OnStateChange(func(name string, _, to CircuitState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	})
	r.breakers[name] = cb
	return cb
}

// Limiter returns the rate limiter for name, or nil when limiting is
// disabled.
func (r *Registry) Limiter(name string) *rate.Limiter {
	if r.limiterRate <= 0 {
		return nil
	}

	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok = r.limiters[name]; ok {
		return l
	}

	l = rate.NewLimiter(r.limiterRate, r.limiterBurst)
	r.limiters[name] = l
	return l
}

// States returns a snapshot of breaker states keyed by name, for
// health reporting.
func (r *Registry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}
