// Package ollama provides the adapter for a local Ollama daemon. There
// is no authentication, responses stream as newline-delimited JSON
// rather than SSE, and token counts arrive as prompt_eval_count and
// eval_count on the final chunk.
package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinexa/aigateway/internal/httpclient"
	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "ollama"

	// DefaultBaseURL is the default local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"
)

// DefaultModels lists the models exposed when none are configured.
var DefaultModels = []string{
	"llama3.1",
	"mistral",
}

// Provider implements the Ollama generate adapter.
type Provider struct {
	name    string
	baseURL string
	models  []string
	timeout time.Duration
	headers map[string]string
	http    *httpclient.Client
}

// Option configures the adapter.
type Option func(*Provider)

// WithName sets the instance name the adapter registers and reports
// under (e.g. "local").
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithTimeout caps each outbound attempt. Zero keeps the client's
// per-destination default.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBaseURL overrides the daemon endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithModels sets the supported model list.
func WithModels(models ...string) Option {
	return func(p *Provider) {
		if len(models) > 0 {
			p.models = models
		}
	}
}

// WithHTTP sets the resilient request client.
func WithHTTP(c *httpclient.Client) Option {
	return func(p *Provider) { p.http = c }
}

// New creates a new Ollama adapter with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    ProviderName,
		baseURL: DefaultBaseURL,
		models:  DefaultModels,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.http == nil {
		p.http = httpclient.New(httpclient.Config{})
	}
	return p
}

// NewFromConfig creates an adapter from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	p := New(
		WithName(cfg.Name),
		WithBaseURL(cfg.BaseURL),
		WithModels(cfg.Models...),
		WithTimeout(cfg.Timeout),
		WithHTTP(cfg.HTTP),
	)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the configured instance name.
func (p *Provider) Name() string { return p.name }

// ListModels returns the supported model identifiers.
func (p *Provider) ListModels() []string { return p.models }

// EstimateTokens returns an approximate token count.
func (p *Provider) EstimateTokens(text string) int {
	return provider.EstimateTokens(text)
}

type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	System  string           `json:"system,omitempty"`
	Stream  bool             `json:"stream"`
	Format  string           `json:"format,omitempty"`
	Options *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// SendMessage issues one generation call.
func (p *Provider) SendMessage(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	payload, err := json.Marshal(p.transformRequest(req, false))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	res, err := p.http.DoJSON(ctx, p.generateURL(), payload, p.callOptions())
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return types.Fail(p.name, req.Model, err.Error(), latency)
	}

	var gr generateResponse
	if err := json.Unmarshal(res.Body, &gr); err != nil {
		return types.Fail(p.name, req.Model, "malformed response: "+err.Error(), latency)
	}
	if gr.Response == "" {
		return types.Fail(p.name, req.Model, "empty response content", latency)
	}

	model := gr.Model
	if model == "" {
		model = req.Model
	}
	return &types.Response{
		Success:   true,
		Content:   gr.Response,
		Provider:  p.name,
		Model:     model,
		LatencyMs: latency,
		Usage: &types.Usage{
			PromptTokens:     gr.PromptEvalCount,
			CompletionTokens: gr.EvalCount,
			TotalTokens:      gr.PromptEvalCount + gr.EvalCount,
		},
	}
}

// Stream issues a streaming call. Each NDJSON line carries a response
// fragment; the final line sets done and the eval counts.
func (p *Provider) Stream(ctx context.Context, req *types.Request, onToken types.OnToken) *types.Response {
	start := time.Now()
	if onToken == nil {
		onToken = req.OnToken
	}

	payload, err := json.Marshal(p.transformRequest(req, true))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	var full strings.Builder
	var final generateResponse

	streamErr := p.http.Stream(ctx, http.MethodPost, p.generateURL(), payload, p.callOptions(), func(line []byte) error {
		var gr generateResponse
		if err := json.Unmarshal(line, &gr); err != nil {
			return nil
		}
		if gr.Response != "" {
			full.WriteString(gr.Response)
			if onToken != nil {
				onToken(gr.Response)
			}
		}
		if gr.Done {
			final = gr
			return io.EOF
		}
		return nil
	})

	latency := time.Since(start).Milliseconds()
	if streamErr != nil {
		return types.Fail(p.name, req.Model, streamErr.Error(), latency)
	}
	if full.Len() == 0 {
		return types.Fail(p.name, req.Model, "empty response content", latency)
	}

	resp := &types.Response{
		Success:   true,
		Content:   full.String(),
		Provider:  p.name,
		Model:     req.Model,
		LatencyMs: latency,
	}
	if final.PromptEvalCount > 0 || final.EvalCount > 0 {
		resp.Usage = &types.Usage{
			PromptTokens:     final.PromptEvalCount,
			CompletionTokens: final.EvalCount,
			TotalTokens:      final.PromptEvalCount + final.EvalCount,
		}
	}
	return resp
}

// HealthCheck probes the local tags endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	opts := p.callOptions()
	opts.Timeout = 5 * time.Second
	opts = opts.WithRetryCount(0)

	res, err := p.http.Do(ctx, http.MethodGet, strings.TrimSuffix(p.baseURL, "/")+"/api/tags", nil, opts)
	return err == nil && res.Status < 300
}

func (p *Provider) transformRequest(req *types.Request, stream bool) *generateRequest {
	gr := &generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: stream,
	}
	if req.JSONMode {
		gr.Format = "json"
	}
	opts := &generateOptions{}
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}
	if opts.Temperature != nil || opts.NumPredict > 0 {
		gr.Options = opts
	}
	return gr
}

func (p *Provider) generateURL() string {
	return strings.TrimSuffix(p.baseURL, "/") + "/api/generate"
}

func (p *Provider) callOptions() httpclient.CallOptions {
	headers := make(http.Header)
	for k, v := range p.headers {
		headers.Set(k, v)
	}
	return httpclient.CallOptions{
		Timeout:     p.timeout,
		Dedupe:      true,
		BreakerName: "provider:" + p.name,
		Headers:     headers,
	}
}
