package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds returned by the client. Every *UpstreamError matches exactly
// one of them with errors.Is.
var (
	// ErrBadRequest means the upstream rejected the caller's parameters.
	ErrBadRequest = errors.New("upstream rejected request")

	// ErrNotFound means the upstream resource does not exist.
	ErrNotFound = errors.New("upstream resource not found")

	// ErrRateLimited means the upstream kept rate limiting after all retries.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrUnavailable means the upstream failed transiently after all retries,
	// or the circuit breaker is open.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrUnknownEndpoint is returned for an endpoint without a route.
	ErrUnknownEndpoint = errors.New("unknown upstream endpoint")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 401, 403, 404 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNotFound represents 404 responses.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassServer represents 5xx server errors and undecodable bodies.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network errors and attempt timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401/403: the proxy's own credentials were
	// refused, which is not the caller's fault.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassCircuitOpen represents calls rejected by the circuit breaker.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
)

// UpstreamError represents a failed upstream call with additional context.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Class      ErrorClass
	Message    string
	// RetryAfter is the server's hint on 429 responses, if any.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error on %s (status %d): %s: %v",
			e.Class, e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error on %s (status %d): %s",
		e.Class, e.Endpoint, e.StatusCode, e.Message)
}

// Kind returns the sentinel this error is classified as.
func (e *UpstreamError) Kind() error {
	switch e.Class {
	case ErrorClassClient:
		return ErrBadRequest
	case ErrorClassNotFound:
		return ErrNotFound
	case ErrorClassRateLimit:
		return ErrRateLimited
	default:
		return ErrUnavailable
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind(), e.Err}
	}
	return []error{e.Kind()}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx, auth and open-circuit errors fail fast
		return false
	}
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code == http.StatusNotFound:
		return ErrorClassNotFound
	case code == http.StatusRequestTimeout:
		return ErrorClassNetwork
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorClassAuth
	case code >= 400 && code < 500:
		return ErrorClassClient
	default:
		return ErrorClassServer
	}
}

// tmdbStatus is the error body the movie API returns alongside non-2xx codes.
type tmdbStatus struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
}

// newStatusError builds an UpstreamError for a non-2xx response.
func newStatusError(endpoint string, resp *http.Response, body []byte, now time.Time, maxRetryAfter time.Duration) *UpstreamError {
	uerr := &UpstreamError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Class:      classifyStatus(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
	}

	var status tmdbStatus
	if json.Unmarshal(body, &status) == nil && status.StatusMessage != "" {
		uerr.Message = status.StatusMessage
	}

	if uerr.Class == ErrorClassRateLimit {
		uerr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now, maxRetryAfter)
	}

	return uerr
}
