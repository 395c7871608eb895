// Package provider defines the interface implemented by every AI
// vendor adapter. Adapters isolate vendor wire formats (payload shape,
// auth headers, streaming frame format, usage field naming) behind one
// uniform capability set; everything above them works only with the
// vendor-neutral types.
package provider

import (
	"context"
	"time"

	"github.com/clinexa/aigateway/internal/httpclient"
	"github.com/clinexa/aigateway/pkg/types"
)

// Provider is the capability set every vendor adapter implements.
// SendMessage and Stream never return an error: all failure modes are
// reported as a Response with Success=false and the failure text in
// Error.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string

	// SendMessage issues one generation call and maps the vendor's
	// response or error into the uniform Response shape.
	SendMessage(ctx context.Context, req *types.Request) *types.Response

	// Stream issues a streaming call, invoking onToken with each text
	// fragment as the vendor delivers it, and accumulates the full text
	// into the final Response.
	Stream(ctx context.Context, req *types.Request, onToken types.OnToken) *types.Response

	// HealthCheck cheaply probes whether the vendor endpoint is
	// currently reachable. It must not panic or block beyond its own
	// short timeout.
	HealthCheck(ctx context.Context) bool

	// ListModels returns the model identifiers this adapter supports.
	ListModels() []string

	// EstimateTokens returns a fast approximate token count for text,
	// used only for soft budget checks.
	EstimateTokens(text string) int
}

// Config contains the per-vendor configuration an adapter is built
// from.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Models  []string
	Timeout time.Duration
	Headers map[string]string

	// HTTP is the resilient request client the adapter issues its
	// calls through.
	HTTP *httpclient.Client
}

// Factory creates an adapter instance from configuration.
type Factory func(cfg Config) (Provider, error)

// EstimateTokens is the shared character-length heuristic: roughly one
// token per four characters of English text. Exactness is not required.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
