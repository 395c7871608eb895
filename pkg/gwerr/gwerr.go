// Package gwerr defines the normalized error types for outbound gateway
// calls. Every failure mode of the resilient client and the provider
// adapters maps onto one of these kinds, so callers and telemetry can
// classify failures without inspecting vendor-specific text.
package gwerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a request failure.
type Kind string

const (
	// KindCircuitOpen means the destination is in cooldown and no
	// network attempt was made.
	KindCircuitOpen Kind = "circuit_open"
	// KindTimeout means the attempt exceeded its allotted time.
	KindTimeout Kind = "timeout"
	// KindTransport means a connection-level failure with no HTTP status.
	KindTransport Kind = "transport"
	// KindHTTP means the destination answered with a non-success status.
	KindHTTP Kind = "http"
	// KindMalformed means a success status with an uninterpretable body.
	KindMalformed Kind = "malformed"
	// KindCanceled means the caller aborted the request. Cancellations
	// are not counted as circuit breaker failures.
	KindCanceled Kind = "canceled"
)

// RequestError is the normalized error carried out of the resilient
// request client. Status is zero when no HTTP status was received.
type RequestError struct {
	Kind    Kind
	Message string
	Status  int
	URL     string
	Err     error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("[%s] %s (status=%d, url=%s)", e.Kind, e.Message, e.Status, e.URL)
	}
	return fmt.Sprintf("[%s] %s (url=%s)", e.Kind, e.Message, e.URL)
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Client errors other than 408/429 are not worth repeating.
func (e *RequestError) Retryable() bool {
	switch e.Kind {
	case KindCircuitOpen, KindCanceled, KindMalformed:
		return false
	case KindTimeout, KindTransport:
		return true
	}
	if e.Status >= 400 && e.Status < 500 {
		return e.Status == 408 || e.Status == 429
	}
	return true
}

// CircuitOpenError is returned when a breaker rejects a call during its
// cooldown window. Remaining reports how long until the next trial is
// allowed.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %dms", e.Name, e.Remaining.Milliseconds())
}

// RemainingMs returns the remaining cooldown in whole milliseconds.
func (e *CircuitOpenError) RemainingMs() int64 { return e.Remaining.Milliseconds() }

// IsCircuitOpen reports whether err is (or wraps) a circuit-open failure.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return true
	}
	var re *RequestError
	return errors.As(err, &re) && re.Kind == KindCircuitOpen
}

// IsTimeout reports whether err is a timeout-classified failure.
func IsTimeout(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == KindTimeout
}

// IsCanceled reports whether err is a caller-initiated cancellation.
func IsCanceled(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == KindCanceled
}
