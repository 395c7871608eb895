package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinexa/aigateway"
	"github.com/clinexa/aigateway/internal/healthcheck"
	"github.com/clinexa/aigateway/internal/telemetry"
	"github.com/clinexa/aigateway/pkg/provider"
	"github.com/clinexa/aigateway/pkg/types"
)

type stubProvider struct {
	name    string
	fail    bool
	healthy bool
	tokens  []string
	models  []string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SendMessage(_ context.Context, req *types.Request) *types.Response {
	if s.fail {
		return types.Fail(s.name, req.Model, "upstream unavailable", 3)
	}
	return &types.Response{Success: true, Content: "generated text", Provider: s.name, Model: req.Model}
}

func (s *stubProvider) Stream(_ context.Context, req *types.Request, onToken types.OnToken) *types.Response {
	if s.fail {
		return types.Fail(s.name, req.Model, "upstream unavailable", 3)
	}
	var full strings.Builder
	for _, tok := range s.tokens {
		full.WriteString(tok)
		if onToken != nil {
			onToken(tok)
		}
	}
	return &types.Response{Success: true, Content: full.String(), Provider: s.name, Model: req.Model}
}

func (s *stubProvider) HealthCheck(context.Context) bool { return s.healthy }
func (s *stubProvider) ListModels() []string             { return s.models }
func (s *stubProvider) EstimateTokens(text string) int   { return provider.EstimateTokens(text) }

func newTestServer(t *testing.T, providers ...*stubProvider) (*httptest.Server, *telemetry.Recorder) {
	t.Helper()

	recorder := telemetry.NewRecorder(telemetry.WithStore(telemetry.NewMemoryStore(100)))
	router, err := aigateway.NewRouter(aigateway.RouterConfig{
		DefaultProvider: providers[0].name,
		DefaultModel:    "default-model",
	}, aigateway.WithRecorder(recorder))
	require.NoError(t, err)
	for _, p := range providers {
		router.RegisterProvider(p)
	}

	prober := healthcheck.NewProber(healthcheck.Config{}, router, nil)

	mux := http.NewServeMux()
	NewHandler(router, recorder, prober, nil).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, recorder
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGenerateOK(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub", healthy: true})

	resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":"draft a note"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Equal(t, "generated text", out.Content)
	assert.Equal(t, "default-model", out.Model)
}

func TestGenerateFailureMapsTo502(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub", fail: true})

	resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":"x"}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "upstream unavailable")
}

func TestGeneratePromptRequired(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub"})

	resp := postJSON(t, srv.URL+"/v1/generate", `{"model":"m"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "invalid_request", out.Error.Type)
	assert.Contains(t, out.Error.Message, "prompt is required")
}

func TestGenerateMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub"})

	resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGeneratePinnedProvider(t *testing.T) {
	a := &stubProvider{name: "a", fail: true}
	b := &stubProvider{name: "b"}
	srv, _ := newTestServer(t, a, b)

	resp := postJSON(t, srv.URL+"/v1/generate", `{"prompt":"x","provider":"b"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "b", out.Provider)
}

func TestGenerateStreamSSE(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub", tokens: []string{"Hello ", "world"}})

	resp := postJSON(t, srv.URL+"/v1/generate/stream", `{"prompt":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var tokenEvents, doneEvents int
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			switch event {
			case "token":
				tokenEvents++
			case "done":
				doneEvents++
				lastData = strings.TrimPrefix(line, "data: ")
			}
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, 2, tokenEvents)
	require.Equal(t, 1, doneEvents)

	var final types.Response
	require.NoError(t, json.Unmarshal([]byte(lastData), &final))
	assert.True(t, final.Success)
	assert.Equal(t, "Hello world", final.Content)
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub", models: []string{"m1", "m2"}})

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data []modelEntry `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "stub", out.Data[0].Provider)
	assert.Equal(t, []string{"m1", "m2"}, out.Data[0].Models)
}

func TestHealthzOK(t *testing.T) {
	srv, _ := newTestServer(t,
		&stubProvider{name: "up", healthy: true},
		&stubProvider{name: "down"})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	// One healthy provider keeps the gateway serviceable.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzDegraded(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "down"})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out struct {
		Status    string          `json:"status"`
		Providers map[string]bool `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, map[string]bool{"down": false}, out.Providers)
}

func TestTelemetryReportAndClear(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{name: "stub", fail: true})

	// Generate a failure to populate the report.
	postJSON(t, srv.URL+"/v1/generate", `{"prompt":"x"}`)

	resp, err := http.Get(srv.URL + "/v1/telemetry/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report telemetry.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, int64(1), report.Summary.TotalErrors)
	require.Len(t, report.RecentErrors, 1)

	clearResp := postJSON(t, srv.URL+"/v1/telemetry/clear", "")
	require.Equal(t, http.StatusOK, clearResp.StatusCode)

	resp2, err := http.Get(srv.URL + "/v1/telemetry/report")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var cleared telemetry.Report
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&cleared))
	assert.Zero(t, cleared.Summary.TotalErrors)
	assert.Empty(t, cleared.RecentErrors)
}
