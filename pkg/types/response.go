package types

// Usage contains token usage statistics reported by a provider.
// Providers that report usage under different field names normalize
// into this shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the uniform result envelope returned for every request,
// success or failure. It is always returned by value-carrying APIs and
// never replaced by a panic or error return, so callers branch on
// Success without error-handling ceremony.
type Response struct {
	// Success is true iff the provider produced usable content.
	Success bool `json:"success"`

	// Content is the generated text. Empty when Success is false.
	Content string `json:"content"`

	// Provider is the name of the provider that served (or failed) the
	// request.
	Provider string `json:"provider"`

	// Model is the model identifier actually used, which may differ
	// from the requested one after routing or fallback.
	Model string `json:"model"`

	// LatencyMs is the wall-clock duration of the call in milliseconds.
	LatencyMs int64 `json:"latency_ms"`

	// Usage is nil when the provider did not report token counts.
	Usage *Usage `json:"usage,omitempty"`

	// Error holds a human-readable failure description. Empty on
	// success. Raw vendor error text is preserved here for telemetry
	// but is not meant for end users.
	Error string `json:"error,omitempty"`
}

// Fail builds a failing Response for the given provider and model.
func Fail(provider, model, errMsg string, latencyMs int64) *Response {
	return &Response{
		Success:   false,
		Provider:  provider,
		Model:     model,
		LatencyMs: latencyMs,
		Error:     errMsg,
	}
}
