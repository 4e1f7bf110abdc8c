// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error taxonomy for the integration client. Transport-level errors are
// classified exactly once, inside the retrying transport, and escape only
// as one of these types after retries are exhausted. Callers dispatch with
// errors.As / errors.Is, never by string matching.

// AuthError indicates rejected credentials or a failed token exchange.
// It is not retried beyond the client's own proactive refresh.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "authentication failed: " + e.Message
}

// RateLimitError indicates local admission denial or a remote 429.
// Retryable with backoff.
type RateLimitError struct {
	// Local is true when the client's own limiter denied the request
	// before it reached the network.
	Local bool
}

func (e *RateLimitError) Error() string {
	if e.Local {
		return "rate limit exceeded: local admission denied"
	}
	return "rate limit exceeded: remote returned 429"
}

// TimeoutError indicates a transport-level timeout or aborted call.
// Retryable.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out: %v", e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ServerError indicates a remote 5xx. Retryable.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Body)
}

// RequestError indicates a remote 4xx other than 401/403/429.
// The request itself is malformed or forbidden; never retried.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, e.Body)
}

// ErrClientDestroyed is returned by operations on a torn-down client.
var ErrClientDestroyed = errors.New("integration client destroyed")

// classifyStatus converts a non-2xx HTTP status into a taxonomy error.
func classifyStatus(statusCode int, body string) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthError{StatusCode: statusCode, Message: body}
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{}
	case statusCode >= 500:
		return &ServerError{StatusCode: statusCode, Body: body}
	default:
		return &RequestError{StatusCode: statusCode, Body: body}
	}
}

// classifyNetErr converts a transport-level error into a taxonomy error.
func classifyNetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Cause: err}
	}
	// Connection resets, DNS failures and the like behave like transient
	// server trouble from the caller's point of view.
	return &ServerError{StatusCode: 0, Body: err.Error()}
}

// IsRetryable reports whether an error class may be retried with backoff.
func IsRetryable(err error) bool {
	var (
		rateErr    *RateLimitError
		timeoutErr *TimeoutError
		serverErr  *ServerError
	)
	return errors.As(err, &rateErr) || errors.As(err, &timeoutErr) || errors.As(err, &serverErr)
}

// IsAuthError reports whether the error is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
