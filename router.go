// Package aigateway routes outbound AI generation requests across a
// set of provider adapters. The router evaluates match rules to choose
// a provider and model, screens requests through a clinical-safety
// gate, retries a bounded number of times, and falls back to exactly
// one alternate provider before giving up. Dispatch never returns an
// error or panics; failures surface as unsuccessful Response values.
package aigateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinexa/aigateway/internal/metrics"
	"github.com/clinexa/aigateway/internal/telemetry"
	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/pkg/types"
)

// Rule maps matching requests to a provider and model. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	// Name identifies the rule in logs.
	Name string
	// Match reports whether the rule applies to the request.
	Match func(req *types.Request) bool
	// Provider and Model are the dispatch target when the rule matches.
	Provider string
	Model    string
}

// RouterConfig controls routing decisions. A config value is treated
// as immutable once installed; Rebuild swaps the whole value.
type RouterConfig struct {
	// DefaultProvider and DefaultModel handle requests no rule claims.
	DefaultProvider string
	DefaultModel    string

	// FallbackProvider and FallbackModel receive one dispatch after the
	// primary target fails. Empty disables fallback.
	FallbackProvider string
	FallbackModel    string

	// Rules are evaluated in order before the defaults.
	Rules []Rule

	// MaxRetries bounds re-dispatches to the same provider beyond the
	// first attempt. The resilient client already retries individual
	// network attempts underneath, so this usually stays 0.
	MaxRetries int
	// RetryDelay is the pause between router-level re-dispatches.
	RetryDelay time.Duration
	// Timeout caps a whole dispatch including retries and the fallback
	// leg. Zero leaves the caller's context in charge.
	Timeout time.Duration

	// ClinicalSafety screens requests before any dispatch. Nil installs
	// the default keyword screen.
	ClinicalSafety SafetyChecker
}

// Validate checks the config for use.
func (c *RouterConfig) Validate() error {
	if c.DefaultProvider == "" {
		return errors.New("router config: default provider is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("router config: max retries must be >= 0")
	}
	if c.Timeout < 0 {
		return errors.New("router config: timeout must be >= 0")
	}
	for i, rule := range c.Rules {
		if rule.Match == nil {
			return fmt.Errorf("router config: rule %d (%s) has no match function", i, rule.Name)
		}
		if rule.Provider == "" {
			return fmt.Errorf("router config: rule %d (%s) has no provider", i, rule.Name)
		}
	}
	return nil
}

// Router dispatches requests to registered provider adapters.
type Router struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider

	config atomic.Pointer[RouterConfig]

	recorder *telemetry.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRecorder sets the telemetry recorder for dispatch failures.
func WithRecorder(rec *telemetry.Recorder) RouterOption {
	return func(r *Router) { r.recorder = rec }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a router with the given config.
func NewRouter(cfg RouterConfig, opts ...RouterOption) (*Router, error) {
	if cfg.ClinicalSafety == nil {
		cfg.ClinicalSafety = NewKeywordSafetyChecker()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		providers: make(map[string]provider.Provider),
		logger:    slog.Default(),
		tracer:    otel.Tracer("aigateway/router"),
	}
	r.config.Store(&cfg)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RegisterProvider adds or replaces an adapter under its own name.
func (r *Router) RegisterProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Provider returns a registered adapter by name.
func (r *Router) Provider(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns the registered adapters.
func (r *Router) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Config returns the currently installed config value.
func (r *Router) Config() RouterConfig {
	return *r.config.Load()
}

// Rebuild validates and installs a new config. In-flight dispatches
// keep the config they started with.
func (r *Router) Rebuild(cfg RouterConfig) error {
	if cfg.ClinicalSafety == nil {
		cfg.ClinicalSafety = NewKeywordSafetyChecker()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.config.Store(&cfg)
	r.logger.Info("router config rebuilt",
		"default_provider", cfg.DefaultProvider,
		"fallback_provider", cfg.FallbackProvider,
		"rules", len(cfg.Rules))
	return nil
}

// route resolves the dispatch target for a request. A provider pinned
// on the request wins over rules; rules win over defaults.
func (r *Router) route(cfg *RouterConfig, req *types.Request) (providerName, model string) {
	if pinned := req.Metadata["provider"]; pinned != "" {
		model = req.Model
		if model == "" {
			model = cfg.DefaultModel
		}
		return pinned, model
	}
	for _, rule := range cfg.Rules {
		if rule.Match(req) {
			model = rule.Model
			if model == "" {
				model = req.Model
			}
			return rule.Provider, model
		}
	}
	model = req.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	return cfg.DefaultProvider, model
}

// Generate dispatches a request and returns the response. It never
// returns nil.
func (r *Router) Generate(ctx context.Context, req *types.Request) *types.Response {
	return r.dispatch(ctx, req, false, nil)
}

// GenerateStream dispatches a streaming request, delivering fragments
// through onToken. Fallback only engages when the primary produced no
// output, so the consumer never sees interleaved text from two
// providers.
func (r *Router) GenerateStream(ctx context.Context, req *types.Request, onToken types.OnToken) *types.Response {
	return r.dispatch(ctx, req, true, onToken)
}

func (r *Router) dispatch(ctx context.Context, req *types.Request, stream bool, onToken types.OnToken) *types.Response {
	cfg := r.config.Load()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "router.dispatch")
	defer span.End()

	// Count delivered fragments so fallback and retry can tell whether
	// the consumer already saw partial output.
	var emitted atomic.Int64
	if stream {
		inner := onToken
		if inner == nil {
			inner = req.OnToken
		}
		onToken = func(token string) {
			emitted.Add(1)
			if inner != nil {
				inner(token)
			}
		}
	}

	if err := cfg.ClinicalSafety.Check(req); err != nil {
		span.SetAttributes(attribute.String("outcome", "safety_rejected"))
		r.record(telemetry.CategoryValidationError, err, map[string]any{
			"model": req.Model,
		})
		return types.Fail("", req.Model, err.Error(), 0)
	}

	providerName, model := r.route(cfg, req)
	span.SetAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
	)

	resp := r.callProvider(ctx, cfg, providerName, model, req, stream, onToken, &emitted)
	if resp.Success {
		span.SetAttributes(attribute.String("outcome", "success"))
		return resp
	}

	if fb := cfg.FallbackProvider; fb != "" && fb != providerName && emitted.Load() == 0 {
		fbModel := cfg.FallbackModel
		if fbModel == "" {
			fbModel = model
		}
		r.logger.Warn("falling back after provider failure",
			"from", providerName, "to", fb, "error", resp.Error)
		metrics.RouterFallbacks.WithLabelValues(providerName, fb).Inc()

		fbResp := r.callProvider(ctx, cfg, fb, fbModel, req, stream, onToken, &emitted)
		if fbResp.Success {
			span.SetAttributes(attribute.String("outcome", "fallback_success"))
			return fbResp
		}
		span.SetAttributes(attribute.String("outcome", "fallback_failed"))
		return fbResp
	}

	span.SetAttributes(attribute.String("outcome", "failed"))
	return resp
}

// callProvider runs the bounded retry loop against one provider and
// records telemetry for the final failure.
func (r *Router) callProvider(ctx context.Context, cfg *RouterConfig, providerName, model string, req *types.Request, stream bool, onToken types.OnToken, emitted *atomic.Int64) *types.Response {
	p, ok := r.Provider(providerName)
	if !ok {
		resp := types.Fail(providerName, model, "provider not registered: "+providerName, 0)
		r.recordFailure(resp)
		return resp
	}

	routed := req.Clone()
	routed.Model = model

	var resp *types.Response
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 && cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				resp = types.Fail(providerName, model, "request canceled: "+context.Cause(ctx).Error(), resp.LatencyMs)
				r.recordFailure(resp)
				return resp
			case <-time.After(cfg.RetryDelay):
			}
		}

		if stream {
			resp = p.Stream(ctx, routed, onToken)
		} else {
			resp = p.SendMessage(ctx, routed)
		}

		outcome := "failure"
		if resp.Success {
			outcome = "success"
		}
		metrics.ProviderRequests.WithLabelValues(providerName, model, outcome).Inc()
		metrics.ProviderLatency.WithLabelValues(providerName, model).Observe(float64(resp.LatencyMs) / 1000)

		if resp.Success {
			return resp
		}
		// Streamed output already reached the consumer; a retry would
		// append a second copy.
		if stream && emitted.Load() > 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.recordFailure(resp)
	return resp
}

func (r *Router) recordFailure(resp *types.Response) {
	r.logger.Error("provider dispatch failed",
		"provider", resp.Provider, "model", resp.Model, "error", resp.Error)
	r.record(telemetry.CategoryAIError, stringError(resp.Error), map[string]any{
		"provider":   resp.Provider,
		"model":      resp.Model,
		"latency_ms": resp.LatencyMs,
	})
}

func (r *Router) record(category telemetry.Category, err error, ctxMap map[string]any) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(category, err, ctxMap)
}

type stringError string

func (s stringError) Error() string { return string(s) }
