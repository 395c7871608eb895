// Package api exposes the gateway's HTTP surface: generation
// dispatch, model listing, health, and telemetry endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinexa/aigateway"
	"github.com/clinexa/aigateway/internal/healthcheck"
	"github.com/clinexa/aigateway/internal/telemetry"
	"github.com/clinexa/aigateway/pkg/types"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Handler serves the gateway endpoints.
type Handler struct {
	router   *aigateway.Router
	recorder *telemetry.Recorder
	prober   *healthcheck.Prober
	logger   *slog.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(router *aigateway.Router, recorder *telemetry.Recorder, prober *healthcheck.Prober, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:   router,
		recorder: recorder,
		prober:   prober,
		logger:   logger,
	}
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/generate", h.Generate)
	mux.HandleFunc("POST /v1/generate/stream", h.GenerateStream)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /v1/telemetry/report", h.TelemetryReport)
	mux.HandleFunc("POST /v1/telemetry/clear", h.TelemetryClear)
}

// generateRequest is the inbound generation payload.
type generateRequest struct {
	System      string            `json:"system,omitempty"`
	Prompt      string            `json:"prompt"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	JSONMode    bool              `json:"json_mode,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (g *generateRequest) toRequest() *types.Request {
	req := &types.Request{
		System:      g.System,
		Prompt:      g.Prompt,
		Model:       g.Model,
		Temperature: g.Temperature,
		MaxTokens:   g.MaxTokens,
		JSONMode:    g.JSONMode,
		Metadata:    g.Metadata,
	}
	if g.Provider != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata["provider"] = g.Provider
	}
	return req
}

// Generate dispatches one generation request and returns the full
// response.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}

	resp := h.router.Generate(r.Context(), req.toRequest())
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, resp)
}

// GenerateStream dispatches a streaming request and relays fragments
// as SSE data events, ending with a final "done" event carrying the
// full response envelope.
func (h *Handler) GenerateStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	resp := h.router.GenerateStream(r.Context(), req.toRequest(), func(token string) {
		payload, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: token\ndata: %s\n\n", payload)
		flusher.Flush()
	})

	final, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("marshal stream envelope", "error", err)
		return
	}
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", final)
	flusher.Flush()
}

// modelEntry describes one provider's model set.
type modelEntry struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

// ListModels returns every registered provider's models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	entries := make([]modelEntry, 0)
	for _, p := range h.router.Providers() {
		entries = append(entries, modelEntry{
			Provider: p.Name(),
			Models:   p.ListModels(),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// Healthz reports cached provider health. The endpoint is degraded
// (503) only when every provider is down.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	statuses := h.prober.Statuses(r.Context())

	anyHealthy := len(statuses) == 0
	for _, healthy := range statuses {
		if healthy {
			anyHealthy = true
			break
		}
	}

	status := http.StatusOK
	state := "ok"
	if !anyHealthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	h.writeJSON(w, status, map[string]any{
		"status":    state,
		"providers": statuses,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

// TelemetryReport exports the error summary and recent events.
func (h *Handler) TelemetryReport(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.recorder.ExportReport())
}

// TelemetryClear drops all recorded telemetry.
func (h *Handler) TelemetryClear(w http.ResponseWriter, r *http.Request) {
	h.recorder.Clear()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) decodeGenerate(w http.ResponseWriter, r *http.Request) (*generateRequest, bool) {
	var req generateRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request")
		return nil, false
	}
	if req.Prompt == "" {
		h.writeError(w, http.StatusBadRequest, "prompt is required", "invalid_request")
		return nil, false
	}
	return &req, true
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, errType string) {
	h.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}
