// Package gemini provides the Google Gemini adapter. Gemini departs
// from the chat-completions shape in several ways: the model name is
// part of the URL path, the API key travels as a query parameter,
// prompts are "contents" with "parts", and token counts come back in a
// usageMetadata block.
package gemini

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinexa/aigateway/internal/httpclient"
	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "gemini"

	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
)

// DefaultModels lists the models exposed when none are configured.
var DefaultModels = []string{
	"gemini-2.0-flash",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
}

// Provider implements the Gemini generateContent adapter.
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
// under.
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

// New creates a new Gemini adapter with the given options.
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

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// SendMessage issues one generation call.
func (p *Provider) SendMessage(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	payload, err := json.Marshal(p.transformRequest(req))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	res, err := p.http.DoJSON(ctx, p.generateURL(req.Model, false), payload, p.callOptions())
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return types.Fail(p.name, req.Model, err.Error(), latency)
	}

	var gr geminiResponse
	if err := json.Unmarshal(res.Body, &gr); err != nil {
		return types.Fail(p.name, req.Model, "malformed response: "+err.Error(), latency)
	}

	text := collectText(&gr)
	if text == "" {
		return types.Fail(p.name, req.Model, "empty response content", latency)
	}

	resp := &types.Response{
		Success:   true,
		Content:   text,
		Provider:  p.name,
		Model:     req.Model,
		LatencyMs: latency,
	}
	if gr.UsageMetadata != nil {
		resp.Usage = &types.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return resp
}

// Stream issues a streaming call. With alt=sse the endpoint emits SSE
// frames, each carrying a complete geminiResponse fragment.
func (p *Provider) Stream(ctx context.Context, req *types.Request, onToken types.OnToken) *types.Response {
	start := time.Now()
	if onToken == nil {
		onToken = req.OnToken
	}

	payload, err := json.Marshal(p.transformRequest(req))
	if err != nil {
		return types.Fail(p.name, req.Model, "marshal request: "+err.Error(), 0)
	}

	var full strings.Builder
	var usage *usageMetadata

	streamErr := p.http.Stream(ctx, http.MethodPost, p.generateURL(req.Model, true), payload, p.callOptions(), func(line []byte) error {
		data, ok := strings.CutPrefix(string(line), "data: ")
		if !ok {
			return nil
		}

		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			return nil
		}
		if chunk := collectText(&gr); chunk != "" {
			full.WriteString(chunk)
			if onToken != nil {
				onToken(chunk)
			}
		}
		if gr.UsageMetadata != nil {
			usage = gr.UsageMetadata
		}
		if len(gr.Candidates) > 0 && gr.Candidates[0].FinishReason == "STOP" {
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
	if usage != nil {
		resp.Usage = &types.Usage{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
			TotalTokens:      usage.TotalTokenCount,
		}
	}
	return resp
}

// HealthCheck probes the models listing endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	opts := p.callOptions()
	opts.Timeout = 5 * time.Second
	opts = opts.WithRetryCount(0)

	u := strings.TrimSuffix(p.baseURL, "/") + "/v1beta/models?key=" + url.QueryEscape(p.apiKey)
	res, err := p.http.Do(ctx, http.MethodGet, u, nil, opts)
	return err == nil && res.Status < 300
}

func (p *Provider) transformRequest(req *types.Request) *geminiRequest {
	gr := &geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
	}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	cfg := &generationConfig{}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	if req.JSONMode {
		cfg.ResponseMimeType = "application/json"
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 || cfg.ResponseMimeType != "" {
		gr.GenerationConfig = cfg
	}
	return gr
}

func (p *Provider) generateURL(model string, stream bool) string {
	action := ":generateContent"
	suffix := "?key=" + url.QueryEscape(p.apiKey)
	if stream {
		action = ":streamGenerateContent"
		suffix = "?alt=sse&key=" + url.QueryEscape(p.apiKey)
	}
	return strings.TrimSuffix(p.baseURL, "/") + "/v1beta/models/" + url.PathEscape(model) + action + suffix
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

func collectText(gr *geminiResponse) string {
	if len(gr.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}
