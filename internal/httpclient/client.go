// Package httpclient implements the resilient outbound request client:
// per-destination circuit breaking, timeout, retry with exponential
// backoff and jitter, and in-flight deduplication of identical calls.
// Provider adapters issue all their network calls through it.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinexa/aigateway/internal/metrics"
	"github.com/clinexa/aigateway/internal/resilience"
	"github.com/clinexa/aigateway/pkg/gwerr"
)

// Defaults for ordinary outbound calls.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetryCount = 2
	DefaultRetryDelay = 300 * time.Millisecond
)

// Defaults for long-running AI/OCR style calls. Retries are disabled
// because partial side effects from a slow provider should not be
// blindly repeated.
const (
	LongCallTimeout    = 5 * time.Minute
	LongCallRetryCount = 0
)

// longCallPathMarkers identifies destinations that host long-running
// generation endpoints.
var longCallPathMarkers = []string{
	"/v1/messages",
	"/chat/completions",
	"generatecontent",
	"/api/generate",
	"/ocr",
}

// IsLongCallURL reports whether the destination matches a long-running
// call pattern.
func IsLongCallURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, marker := range longCallPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RecordFunc receives telemetry for exhausted calls. Category is
// "api_error" for HTTP/vendor failures and "network_error" for
// timeouts and transport failures.
type RecordFunc func(category string, err error, fields map[string]any)

// CallOptions controls a single resilient call. Zero values fall back
// to per-destination defaults.
type CallOptions struct {
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	// Dedupe collapses concurrent identical calls (same method, URL,
	// and body) into one underlying network operation.
	Dedupe bool
	// BreakerName overrides the circuit breaker key derived from the
	// destination host.
	BreakerName string
	// Headers are set on the outbound request.
	Headers http.Header

	retrySet bool
}

// WithRetryCount sets an explicit retry count, distinguishing zero from
// unset.
func (o CallOptions) WithRetryCount(n int) CallOptions {
	o.RetryCount = n
	o.retrySet = true
	return o
}

// Result is the outcome of a successful call. Body is an independent
// copy even when the result was served by an attached deduplicated
// caller.
type Result struct {
	Status int
	Body   []byte
	Header http.Header
}

// Client is the resilient request client. It is safe for concurrent
// use; breaker state, the dedup group, and the jitter source are all
// internally synchronized.
type Client struct {
	http     *http.Client
	registry *resilience.Registry
	record   RecordFunc
	logger   *slog.Logger

	group singleflight.Group

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// Config wires the client's collaborators.
type Config struct {
	HTTPClient *http.Client
	Registry   *resilience.Registry
	Record     RecordFunc
	Logger     *slog.Logger
}

// New creates a resilient request client.
func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = resilience.NewRegistry(resilience.RegistryConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	record := cfg.Record
	if record == nil {
		record = func(string, error, map[string]any) {}
	}
	return &Client{
		http:     httpc,
		registry: registry,
		record:   record,
		logger:   logger,
		jitter:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Registry exposes the breaker registry for health reporting.
func (c *Client) Registry() *resilience.Registry { return c.registry }

// Do performs method against rawURL with body, applying circuit
// breaking, deduplication, per-attempt timeout, and retry with backoff.
// The returned error, when non-nil, is always a *gwerr.RequestError or
// *gwerr.CircuitOpenError.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, opts CallOptions) (*Result, error) {
	result, err := c.do(ctx, method, rawURL, body, opts)
	metrics.OutboundRequests.WithLabelValues(BreakerNameForURL(rawURL), outcomeLabel(err)).Inc()
	return result, err
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, opts CallOptions) (*Result, error) {
	opts = c.applyDefaults(rawURL, opts)

	breaker := c.breakerFor(rawURL, opts)
	if !breaker.CanExecute() {
		return nil, &gwerr.CircuitOpenError{Name: breaker.Name(), Remaining: breaker.RemainingCooldown()}
	}

	if !opts.Dedupe {
		return c.execute(ctx, method, rawURL, body, opts, breaker)
	}

	key := dedupeKey(method, rawURL, body)
	ch := c.group.DoChan(key, func() (any, error) {
		// The originating caller's context drives the shared attempt.
		return c.execute(ctx, method, rawURL, body, opts, breaker)
	})

	select {
	case <-ctx.Done():
		// An attached caller abandoning the wait does not abort the
		// original in-flight operation.
		return nil, c.classifyCtxErr(ctx, rawURL)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result := res.Val.(*Result)
		if res.Shared {
			return copyResult(result), nil
		}
		return result, nil
	}
}

// DoJSON performs a JSON POST and returns the raw response body.
func (c *Client) DoJSON(ctx context.Context, rawURL string, payload []byte, opts CallOptions) (*Result, error) {
	if opts.Headers == nil {
		opts.Headers = make(http.Header)
	}
	if opts.Headers.Get("Content-Type") == "" {
		opts.Headers.Set("Content-Type", "application/json")
	}
	return c.Do(ctx, http.MethodPost, rawURL, payload, opts)
}

// execute runs the retry loop. Each attempt is individually gated by
// the breaker so a circuit opening mid-loop stops further attempts.
func (c *Client) execute(ctx context.Context, method, rawURL string, body []byte, opts CallOptions, breaker *resilience.CircuitBreaker) (*Result, error) {
	var result *Result
	var lastErr error

	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, opts.RetryDelay, attempt); err != nil {
				return nil, &gwerr.RequestError{Kind: gwerr.KindCanceled, Message: "canceled during backoff", URL: rawURL, Err: err}
			}
		}

		if limiter := c.registry.Limiter(breaker.Name()); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, c.classifyCtxErr(ctx, rawURL)
			}
		}

		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var attemptErr error
			result, attemptErr = c.attempt(ctx, method, rawURL, body, opts)
			return attemptErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		var reqErr *gwerr.RequestError
		switch e := err.(type) {
		case *gwerr.CircuitOpenError:
			return nil, e
		case *gwerr.RequestError:
			reqErr = e
		default:
			return nil, err
		}
		if reqErr.Kind == gwerr.KindCanceled || !reqErr.Retryable() {
			if reqErr.Kind != gwerr.KindCanceled {
				c.recordExhausted(reqErr, attempt+1)
			}
			return nil, reqErr
		}

		c.logger.Debug("outbound attempt failed",
			"url", rawURL,
			"attempt", attempt+1,
			"kind", string(reqErr.Kind),
			"error", reqErr.Message,
		)
	}

	if reqErr, ok := lastErr.(*gwerr.RequestError); ok {
		c.recordExhausted(reqErr, opts.RetryCount+1)
	}
	return nil, lastErr
}

// attempt issues one HTTP round trip under the merged cancellation of
// the caller context and the per-attempt timeout.
func (c *Client) attempt(parent context.Context, method, rawURL string, body []byte, opts CallOptions) (*Result, error) {
	ctx, cancel, timedOut := mergeCancel(parent, opts.Timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &gwerr.RequestError{Kind: gwerr.KindMalformed, Message: fmt.Sprintf("build request: %v", err), URL: rawURL, Err: err}
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if timedOut() {
			return nil, &gwerr.RequestError{Kind: gwerr.KindTimeout, Message: fmt.Sprintf("timed out after %s", opts.Timeout), URL: rawURL, Err: err}
		}
		if parent.Err() != nil {
			return nil, &gwerr.RequestError{Kind: gwerr.KindCanceled, Message: "request canceled", URL: rawURL, Err: err}
		}
		return nil, &gwerr.RequestError{Kind: gwerr.KindTransport, Message: err.Error(), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if timedOut() {
			return nil, &gwerr.RequestError{Kind: gwerr.KindTimeout, Message: fmt.Sprintf("timed out reading response after %s", opts.Timeout), URL: rawURL, Err: err}
		}
		return nil, &gwerr.RequestError{Kind: gwerr.KindTransport, Message: fmt.Sprintf("read response: %v", err), URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &gwerr.RequestError{
			Kind:    gwerr.KindHTTP,
			Message: fmt.Sprintf("%s: %s", resp.Status, excerpt(data, 512)),
			Status:  resp.StatusCode,
			URL:     rawURL,
		}
	}

	return &Result{Status: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// backoff waits retryDelay * 2^(attempt-1) plus jitter up to retryDelay,
// honoring cancellation.
func (c *Client) backoff(ctx context.Context, retryDelay time.Duration, attempt int) error {
	wait := retryDelay * time.Duration(1<<(attempt-1))
	wait += c.jitterUpTo(retryDelay)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Client) jitterUpTo(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	c.jitterMu.Lock()
	defer c.jitterMu.Unlock()
	return time.Duration(c.jitter.Int63n(int64(d)))
}

func (c *Client) applyDefaults(rawURL string, opts CallOptions) CallOptions {
	long := IsLongCallURL(rawURL)
	if opts.Timeout <= 0 {
		if long {
			opts.Timeout = LongCallTimeout
		} else {
			opts.Timeout = DefaultTimeout
		}
	}
	if opts.RetryCount == 0 && !opts.retrySet {
		if long {
			opts.RetryCount = LongCallRetryCount
		} else {
			opts.RetryCount = DefaultRetryCount
		}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return opts
}

func (c *Client) breakerFor(rawURL string, opts CallOptions) *resilience.CircuitBreaker {
	name := opts.BreakerName
	if name == "" {
		name = BreakerNameForURL(rawURL)
	}
	if IsLongCallURL(rawURL) {
		return c.registry.BreakerWith(name, resilience.LongCallSettings())
	}
	return c.registry.Breaker(name)
}

func (c *Client) classifyCtxErr(ctx context.Context, rawURL string) error {
	err := ctx.Err()
	if err == context.DeadlineExceeded {
		return &gwerr.RequestError{Kind: gwerr.KindTimeout, Message: "deadline exceeded", URL: rawURL, Err: err}
	}
	return &gwerr.RequestError{Kind: gwerr.KindCanceled, Message: "request canceled", URL: rawURL, Err: err}
}

func (c *Client) recordExhausted(reqErr *gwerr.RequestError, attempts int) {
	category := "api_error"
	if reqErr.Kind == gwerr.KindTimeout || reqErr.Kind == gwerr.KindTransport {
		category = "network_error"
	}
	fields := map[string]any{
		"url":      reqErr.URL,
		"attempts": attempts,
	}
	if reqErr.Status > 0 {
		fields["status"] = reqErr.Status
	}
	c.record(category, reqErr, fields)
}

func outcomeLabel(err error) string {
	switch e := err.(type) {
	case nil:
		return "success"
	case *gwerr.CircuitOpenError:
		return "circuit_open"
	case *gwerr.RequestError:
		switch e.Kind {
		case gwerr.KindTimeout:
			return "timeout"
		case gwerr.KindTransport:
			return "transport_error"
		case gwerr.KindCanceled:
			return "canceled"
		case gwerr.KindHTTP:
			return "http_error"
		}
	}
	return "error"
}

// BreakerNameForURL derives a stable breaker key from the destination
// host. Unparseable URLs fall back to the raw string.
func BreakerNameForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func dedupeKey(method, rawURL string, body []byte) string {
	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(rawURL))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("%x", h.Sum64())
}

func copyResult(r *Result) *Result {
	cp := &Result{Status: r.Status, Header: r.Header.Clone()}
	cp.Body = make([]byte, len(r.Body))
	copy(cp.Body, r.Body)
	return cp
}

func excerpt(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
