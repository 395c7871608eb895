// Package healthcheck provides proactive provider probing with cached
// results, so the health endpoint never fans out to every vendor on
// each request.
package healthcheck

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/clinexa/aigateway/pkg/provider"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	defaultCacheTTL      = 60 * time.Second
)

// Config controls the prober behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	CacheTTL time.Duration
}

// ProviderSource supplies the current adapter set. The router satisfies
// this, and a rebuild is picked up on the next probe cycle.
type ProviderSource interface {
	Providers() []provider.Provider
}

// Prober periodically checks provider health and caches the results.
type Prober struct {
	cfg     Config
	source  ProviderSource
	logger  *slog.Logger
	cache   *gocache.Cache
	started atomic.Bool
}

// NewProber creates a health prober.
func NewProber(cfg Config, source ProviderSource, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:    cfg,
		source: source,
		logger: logger,
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, prov := range p.source.Providers() {
		if ctx.Err() != nil {
			return
		}
		p.probe(ctx, prov)
	}
}

func (p *Prober) probe(ctx context.Context, prov provider.Provider) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	healthy := prov.HealthCheck(probeCtx)
	p.cache.Set(prov.Name(), healthy, gocache.DefaultExpiration)
	if !healthy {
		p.logger.Warn("provider health probe failed", "provider", prov.Name())
	}
	return healthy
}

// Status returns the cached health of the named provider, probing on a
// cache miss.
func (p *Prober) Status(ctx context.Context, prov provider.Provider) bool {
	if cached, ok := p.cache.Get(prov.Name()); ok {
		return cached.(bool)
	}
	return p.probe(ctx, prov)
}

// Statuses returns the health of every registered provider.
func (p *Prober) Statuses(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, prov := range p.source.Providers() {
		out[prov.Name()] = p.Status(ctx, prov)
	}
	return out
}
