// Package types defines the vendor-neutral request and response shapes
// used by the gateway. Every provider adapter translates between these
// types and its own wire format.
package types

// OnToken is invoked with each newly available text fragment while a
// provider streams partial output.
type OnToken func(token string)

// Request is a vendor-neutral text-generation request.
// It is immutable once constructed; cancellation is carried by the
// context.Context passed alongside it.
type Request struct {
	// System is an optional system instruction. Providers place it
	// wherever their wire format requires (top-level field, message
	// role, etc.).
	System string `json:"system,omitempty"`

	// Prompt is the required user instruction.
	Prompt string `json:"prompt"`

	// Model is the target model identifier. The router may rewrite it
	// when a routing rule or fallback selects a different deployment.
	Model string `json:"model,omitempty"`

	// Temperature is optional; nil means provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens bounds the output size. Zero means provider default;
	// providers with a mandatory max-token field substitute their own.
	MaxTokens int `json:"max_tokens,omitempty"`

	// JSONMode requests structured output from providers that support it.
	JSONMode bool `json:"json_mode,omitempty"`

	// OnToken, when set, receives incremental text fragments during
	// streaming calls. Ignored by SendMessage.
	OnToken OnToken `json:"-"`

	// Metadata carries request-scoped routing hints (e.g. feature name).
	// It is never sent to a provider.
	Metadata map[string]string `json:"-"`
}

// Clone returns a shallow copy with an independent Metadata map, so the
// router can rewrite Model without mutating the caller's request.
func (r *Request) Clone() *Request {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
