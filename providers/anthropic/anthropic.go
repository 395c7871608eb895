// Package anthropic provides the Anthropic Claude adapter. It handles
// translation between the gateway's vendor-neutral request/response
// shapes and the Anthropic Messages API: system prompt as a top-level
// field, a mandatory max_tokens value, x-api-key auth, and SSE event
// frames for streaming.
package anthropic

import (
	"context"
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
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is substituted when the request does not bound
	// output size; the Messages API requires max_tokens.
	DefaultMaxTokens = 4096
)

// DefaultModels lists the models exposed when none are configured.
var DefaultModels = []string{
	"claude-sonnet-4-20250514",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
}

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	models     []string
	timeout    time.Duration
	headers    map[string]string
	http       *httpclient.Client
}

// Option configures the adapter.
type Option func(*Provider)

// WithName sets the instance name the adapter registers and reports
// under. Distinct names allow several instances of the same vendor
// type to coexist as separate routing targets.
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
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

// WithBaseURL overrides the API endpoint.
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

// New creates a new Anthropic adapter with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       ProviderName,
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		models:     DefaultModels,
		headers:    make(map[string]string),
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
		WithAPIKey(cfg.APIKey),
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

// anthropicRequest is the Messages API request shape.
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the Messages API response shape.
type anthropicResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SendMessage issues one generation call.
func (p *Provider) SendMessage(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	payload, err := json.Marshal(p.transformRequest(req, false))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	res, err := p.http.DoJSON(ctx, p.messagesURL(), payload, p.callOptions())
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return types.Fail(p.name, req.Model, err.Error(), latency)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(res.Body, &ar); err != nil {
		return types.Fail(p.name, req.Model, "malformed response: "+err.Error(), latency)
	}

	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return types.Fail(p.name, req.Model, "empty response content", latency)
	}

	model := ar.Model
	if model == "" {
		model = req.Model
	}
	return &types.Response{
		Success:   true,
		Content:   text.String(),
		Provider:  p.name,
		Model:     model,
		LatencyMs: latency,
		Usage: &types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}
}

// Stream issues a streaming call, delivering text fragments through
// onToken. Anthropic streams SSE frames; content arrives as
// content_block_delta events with text_delta payloads.
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
	var usage anthropicUsage

	streamErr := p.http.Stream(ctx, http.MethodPost, p.messagesURL(), payload, p.callOptions(), func(line []byte) error {
		data, ok := strings.CutPrefix(string(line), "data: ")
		if !ok {
			// event: lines and keep-alives carry no content.
			return nil
		}

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage   *anthropicUsage `json:"usage"`
			Message struct {
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				full.WriteString(event.Delta.Text)
				if onToken != nil {
					onToken(event.Delta.Text)
				}
			}
		case "message_start":
			usage.InputTokens = event.Message.Usage.InputTokens
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
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
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		resp.Usage = &types.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
	}
	return resp
}

// HealthCheck probes the models listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	opts := p.callOptions()
	opts.Timeout = 5 * time.Second
	opts = opts.WithRetryCount(0)

	res, err := p.http.Do(ctx, http.MethodGet, strings.TrimSuffix(p.baseURL, "/")+"/v1/models", nil, opts)
	return err == nil && res.Status < 300
}

func (p *Provider) transformRequest(req *types.Request, stream bool) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: DefaultMaxTokens,
		Stream:    stream,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		ar.System = req.System
	}
	if req.Temperature != nil {
		ar.Temperature = req.Temperature
	}
	return ar
}

func (p *Provider) messagesURL() string {
	return strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
}

func (p *Provider) callOptions() httpclient.CallOptions {
	headers := make(http.Header)
	headers.Set("x-api-key", p.apiKey)
	headers.Set("anthropic-version", p.apiVersion)
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
