package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/clinexa/aigateway/internal/metrics"
	"github.com/clinexa/aigateway/pkg/gwerr"
)

// LineHandler receives one non-empty line of a streaming response body.
// Returning io.EOF stops the stream early without error.
type LineHandler func(line []byte) error

// Stream performs a streaming call: circuit-gated and under the merged
// caller/timeout cancellation like Do, but without retries (a stream
// that already emitted tokens must not be blindly repeated) and without
// deduplication. The body is consumed line by line, which covers both
// SSE frames and NDJSON.
func (c *Client) Stream(ctx context.Context, method, rawURL string, body []byte, opts CallOptions, handler LineHandler) error {
	err := c.stream(ctx, method, rawURL, body, opts, handler)
	metrics.OutboundRequests.WithLabelValues(BreakerNameForURL(rawURL), outcomeLabel(err)).Inc()
	return err
}

func (c *Client) stream(ctx context.Context, method, rawURL string, body []byte, opts CallOptions, handler LineHandler) error {
	opts = c.applyDefaults(rawURL, opts)

	breaker := c.breakerFor(rawURL, opts)
	if !breaker.CanExecute() {
		return &gwerr.CircuitOpenError{Name: breaker.Name(), Remaining: breaker.RemainingCooldown()}
	}

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return c.streamOnce(ctx, method, rawURL, body, opts, handler)
	})
	if reqErr, ok := err.(*gwerr.RequestError); ok && reqErr.Kind != gwerr.KindCanceled {
		c.recordExhausted(reqErr, 1)
	}
	return err
}

func (c *Client) streamOnce(parent context.Context, method, rawURL string, body []byte, opts CallOptions, handler LineHandler) error {
	ctx, cancel, timedOut := mergeCancel(parent, opts.Timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return &gwerr.RequestError{Kind: gwerr.KindMalformed, Message: fmt.Sprintf("build request: %v", err), URL: rawURL, Err: err}
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if timedOut() {
			return &gwerr.RequestError{Kind: gwerr.KindTimeout, Message: fmt.Sprintf("timed out after %s", opts.Timeout), URL: rawURL, Err: err}
		}
		if parent.Err() != nil {
			return &gwerr.RequestError{Kind: gwerr.KindCanceled, Message: "request canceled", URL: rawURL, Err: err}
		}
		return &gwerr.RequestError{Kind: gwerr.KindTransport, Message: err.Error(), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &gwerr.RequestError{
			Kind:    gwerr.KindHTTP,
			Message: fmt.Sprintf("%s: %s", resp.Status, excerpt(data, 512)),
			Status:  resp.StatusCode,
			URL:     rawURL,
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	// Streaming frames can exceed the default token size.
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := handler(line); err != nil {
			if err == io.EOF {
				return nil
			}
			return &gwerr.RequestError{Kind: gwerr.KindMalformed, Message: fmt.Sprintf("stream handler: %v", err), URL: rawURL, Err: err}
		}
	}

	if err := scanner.Err(); err != nil {
		if timedOut() {
			return &gwerr.RequestError{Kind: gwerr.KindTimeout, Message: fmt.Sprintf("stream timed out after %s", opts.Timeout), URL: rawURL, Err: err}
		}
		if parent.Err() != nil {
			return &gwerr.RequestError{Kind: gwerr.KindCanceled, Message: "stream canceled", URL: rawURL, Err: err}
		}
		return &gwerr.RequestError{Kind: gwerr.KindTransport, Message: fmt.Sprintf("read stream: %v", err), URL: rawURL, Err: err}
	}
	return nil
}
