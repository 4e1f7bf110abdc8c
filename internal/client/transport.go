// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/metrics"
	"github.com/feedbridge/feedbridge/internal/ratelimit"
)

// TransportConfig controls retry, timeout, and circuit breaker behavior
// for a single integration's outbound calls.
type TransportConfig struct {
	// MaxAttempts is the total number of attempts (first call + retries).
	MaxAttempts int

	// BaseDelay is the initial backoff interval. Subsequent retryable
	// failures double it, with jitter, up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval so synchronized retry storms
	// across many integration instances cannot grow without bound.
	MaxDelay time.Duration

	// Timeout bounds each individual attempt. An attempt exceeding it is
	// aborted and classified as a retryable timeout.
	Timeout time.Duration

	// BreakerName identifies the circuit breaker in logs.
	BreakerName string

	// BreakerThreshold is the number of consecutive failures before the
	// breaker opens. Zero disables the breaker.
	BreakerThreshold uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
}

// DefaultTransportConfig returns production defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		Timeout:          30 * time.Second,
		BreakerName:      "integration",
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Response is the transport-level result of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport executes single HTTP calls with per-attempt rate limiting,
// timeout, error classification, and exponential backoff with jitter.
// A circuit breaker in front of the remote host fails fast when the host
// is persistently unhealthy instead of burning retry budget on it.
type Transport struct {
	cfg        TransportConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker[*Response]
}

// NewTransport creates a transport gated by the given limiter.
// The limiter gate applies per attempt, not per logical request.
func NewTransport(cfg TransportConfig, limiter *ratelimit.Limiter) *Transport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	t := &Transport{
		cfg:        cfg,
		limiter:    limiter,
		httpClient: &http.Client{
			// Per-attempt deadlines come from the attempt context; the
			// client-level timeout is a safety net only.
			Timeout: 2 * cfg.Timeout,
		},
	}

	if cfg.BreakerThreshold > 0 {
		t.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
			Name:    cfg.BreakerName,
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		})
	}

	return t
}

// Execute performs one logical HTTP call with retry. The body, if any, is
// replayed from the byte slice on every attempt. Non-retryable error
// classes fail immediately; retryable classes back off exponentially with
// jitter up to MaxAttempts total attempts.
func (t *Transport) Execute(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	attempt := 0

	operation := func() (*Response, error) {
		attempt++
		if attempt > 1 {
			metrics.RequestRetries.Inc()
		}

		resp, err := t.attempt(ctx, method, url, header, body)
		if err != nil {
			if !IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			logging.Debug().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", t.cfg.MaxAttempts).
				Str("url", url).
				Msg("Retryable request failure")
			return nil, err
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = t.cfg.MaxDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(t.cfg.MaxAttempts-1)), ctx)

	return backoff.RetryWithData(operation, policy)
}

// attempt performs one rate-limited HTTP attempt and classifies the result.
func (t *Transport) attempt(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	// Admission gate happens per attempt. Denial is a retryable failure,
	// never a stall.
	if !t.limiter.TryAcquire() {
		metrics.RateLimitDenials.Inc()
		return nil, &RateLimitError{Local: true}
	}

	attemptCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	do := func() (*Response, error) {
		return t.roundTrip(attemptCtx, method, url, header, body)
	}

	var resp *Response
	var err error
	if t.breaker != nil {
		resp, err = t.breaker.Execute(do)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &ServerError{StatusCode: 0, Body: "circuit breaker open: " + t.cfg.BreakerName}
		}
	} else {
		resp, err = do()
	}
	if err != nil {
		return nil, err
	}

	// Breaker failures are network errors and 5xx only; remaining non-2xx
	// statuses are classified here so a malformed request cannot trip the
	// breaker for healthy hosts.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, truncateBody(resp.Body))
	}

	return resp, nil
}

// roundTrip performs the raw HTTP exchange. It returns an error only for
// transport failures and 5xx responses, which are the failure classes the
// circuit breaker should count.
func (t *Transport) roundTrip(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(&RequestError{StatusCode: 0, Body: err.Error()})
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	httpResp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyNetErr(err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}

	if resp.StatusCode >= 500 {
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	return resp, nil
}

// truncateBody bounds response bodies embedded in error messages.
func truncateBody[T string | []byte](body T) string {
	const limit = 256
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
