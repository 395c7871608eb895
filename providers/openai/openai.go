// Package openai provides the OpenAI chat completions adapter. The
// system prompt travels as a leading system-role message, auth uses a
// Bearer token, and streaming delivers SSE frames terminated by a
// "data: [DONE]" sentinel.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"
)

// DefaultModels lists the models exposed when none are configured.
var DefaultModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4.1-mini",
}

// Provider implements the OpenAI chat completions adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	timeout time.Duration
	headers map[string]string
	http    *httpclient.Client
}

// Option configures the adapter.
type Option func(*Provider)

// WithName sets the instance name the adapter registers and reports
// under, so several OpenAI-compatible endpoints can coexist as
// separate routing targets.
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

// WithBaseURL overrides the API endpoint. Useful for OpenAI-compatible
// gateways and test servers.
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

// New creates a new OpenAI adapter with the given options.
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

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SendMessage issues one generation call.
func (p *Provider) SendMessage(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	payload, err := json.Marshal(p.transformRequest(req, false))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	res, err := p.http.DoJSON(ctx, p.completionsURL(), payload, p.callOptions())
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return types.Fail(p.name, req.Model, err.Error(), latency)
	}

	var cr chatResponse
	if err := json.Unmarshal(res.Body, &cr); err != nil {
		return types.Fail(p.name, req.Model, "malformed response: "+err.Error(), latency)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return types.Fail(p.name, req.Model, "empty response content", latency)
	}

	model := cr.Model
	if model == "" {
		model = req.Model
	}
	return &types.Response{
		Success:   true,
		Content:   cr.Choices[0].Message.Content,
		Provider:  p.name,
		Model:     model,
		LatencyMs: latency,
		Usage: &types.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}
}

// Stream issues a streaming call, delivering content deltas through
// onToken as they arrive.
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

	streamErr := p.http.Stream(ctx, http.MethodPost, p.completionsURL(), payload, p.callOptions(), func(line []byte) error {
		data, ok := strings.CutPrefix(string(line), "data: ")
		if !ok {
			return nil
		}
		if strings.TrimSpace(data) == "[DONE]" {
			return io.EOF
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			if onToken != nil {
				onToken(chunk.Choices[0].Delta.Content)
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

	return &types.Response{
		Success:   true,
		Content:   full.String(),
		Provider:  p.name,
		Model:     req.Model,
		LatencyMs: latency,
	}
}

// HealthCheck probes the models listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	opts := p.callOptions()
	opts.Timeout = 5 * time.Second
	opts = opts.WithRetryCount(0)

	res, err := p.http.Do(ctx, http.MethodGet, strings.TrimSuffix(p.baseURL, "/")+"/v1/models", nil, opts)
	return err == nil && res.Status < 300
}

func (p *Provider) transformRequest(req *types.Request, stream bool) *chatRequest {
	cr := &chatRequest{
		Model:  req.Model,
		Stream: stream,
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		cr.Temperature = req.Temperature
	}
	if req.JSONMode {
		cr.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return cr
}

func (p *Provider) completionsURL() string {
	return strings.TrimSuffix(p.baseURL, "/") + "/v1/chat/completions"
}

func (p *Provider) callOptions() httpclient.CallOptions {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+p.apiKey)
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
