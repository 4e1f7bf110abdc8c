// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
client.go - Abstract Integration Client

The Client composes the rate limiter, response cache, retrying transport,
and authentication session into a single Request contract. Concrete
integrations (record store, listing feed) never touch the transport
directly; they supply an Authenticator and call Request.

Lifecycle: Uninitialized -> Authenticating -> Ready <-> Requesting ->
Ready | AuthExpired -> Authenticating; Ready -> Destroyed on teardown
(clears cache, counters, session).

Each Client owns its limiter, cache, and session outright. There is no
process-wide shared state; two integration instances never contend on a
counter or a cache entry.
*/

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/cache"
	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/metrics"
	"github.com/feedbridge/feedbridge/internal/ratelimit"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// State is the client lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateReady
	StateRequesting
	StateAuthExpired
	StateDestroyed
)

// String returns the state name for logs and status reporting.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateRequesting:
		return "requesting"
	case StateAuthExpired:
		return "auth_expired"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config is the immutable per-instance integration configuration.
// Supplied once at construction and validated there; never mutated.
type Config struct {
	// Name identifies the integration instance in logs, metrics, and
	// persisted state keys.
	Name string

	// BaseURL is the remote API root, without a trailing slash.
	BaseURL string

	// Timeout bounds each request attempt.
	Timeout time.Duration

	// RetryAttempts is the total attempt count per logical request.
	RetryAttempts int

	// RetryDelay is the initial backoff delay.
	RetryDelay time.Duration

	// RateLimitQuota is the maximum admitted requests per window.
	RateLimitQuota int64

	// RateLimitWindow is the trailing admission window.
	RateLimitWindow time.Duration

	// CacheTTL is the default read-cache entry lifetime.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the read cache; zero disables the bound.
	CacheMaxEntries int
}

// Validate fails fast on a configuration that cannot back a client.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("integration name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("integration %s: base URL is required", c.Name)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("integration %s: base URL must be http(s): %s", c.Name, c.BaseURL)
	}
	if c.RateLimitQuota <= 0 {
		return fmt.Errorf("integration %s: rate limit quota must be positive", c.Name)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("integration %s: rate limit window must be positive", c.Name)
	}
	return nil
}

// TokenStore persists the session token set across process restarts.
// Implemented by the state package; optional - a nil store means tokens
// live only in memory.
type TokenStore interface {
	SaveToken(integration string, tok Token) error
	LoadToken(integration string) (Token, bool, error)
}

// RequestOptions shapes one logical request through the client.
type RequestOptions struct {
	// Method is the HTTP method; defaults to GET.
	Method string

	// Endpoint is the path joined to the configured base URL.
	Endpoint string

	// Query carries URL query parameters.
	Query url.Values

	// Body is JSON-marshaled into the request body when non-nil.
	Body interface{}

	// Header carries extra request headers; Authorization and the JSON
	// content headers are set by the client.
	Header http.Header

	// NoCache bypasses the read cache even for GET.
	NoCache bool

	// CacheTTL overrides the default TTL for this read. Zero uses the
	// configured default.
	CacheTTL time.Duration

	// InvalidatePrefix names the endpoint prefix whose cached reads a
	// successful mutation should drop. Empty defaults to the request's
	// own endpoint.
	InvalidatePrefix string
}

// Client is the abstract integration client.
type Client struct {
	cfg        Config
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	transport  *Transport
	session    *Session
	authn      Authenticator
	tokens     TokenStore
	dispatcher *webhook.Dispatcher

	state  atomic.Int32
	authMu sync.Mutex // single-flight authentication
}

// New constructs a client from a validated configuration.
// The dispatcher and token store are optional.
func New(cfg Config, authn Authenticator, tokens TokenStore, dispatcher *webhook.Dispatcher) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if authn == nil {
		return nil, fmt.Errorf("integration %s: authenticator is required", cfg.Name)
	}

	limiter := ratelimit.New(cfg.RateLimitQuota, cfg.RateLimitWindow)

	transport := NewTransport(TransportConfig{
		MaxAttempts:      cfg.RetryAttempts,
		BaseDelay:        cfg.RetryDelay,
		MaxDelay:         30 * time.Second,
		Timeout:          cfg.Timeout,
		BreakerName:      cfg.Name,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}, limiter)

	c := &Client{
		cfg:        cfg,
		limiter:    limiter,
		cache:      cache.New(cfg.CacheTTL, cfg.CacheMaxEntries),
		transport:  transport,
		session:    NewSession(),
		authn:      authn,
		tokens:     tokens,
		dispatcher: dispatcher,
	}

	// Resume a persisted session so a restart does not force a fresh
	// credential exchange while the old token is still live.
	if tokens != nil {
		if tok, ok, err := tokens.LoadToken(cfg.Name); err != nil {
			logging.Warn().Err(err).Str("integration", cfg.Name).Msg("Failed to load persisted token")
		} else if ok && tok.AccessToken != "" {
			c.session.Apply(tok)
			c.state.Store(int32(StateReady))
			logging.Info().Str("integration", cfg.Name).Time("expires_at", tok.ExpiresAt).Msg("Resumed persisted session")
		}
	}

	return c, nil
}

// Name returns the integration instance name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Config returns a copy of the immutable configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Session exposes the session for status reporting.
func (c *Client) Session() *Session {
	return c.session
}

// Limiter exposes the rate limiter for status reporting.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Cache exposes the response cache. The sync coordinator clears it on
// forced full resync.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Authenticate performs the integration-specific credential exchange and
// persists the resulting token set.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.State() == StateDestroyed {
		return ErrClientDestroyed
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	return c.authenticateLocked(ctx)
}

// authenticateLocked runs the credential exchange. Must be called with
// authMu held. Prefers the refresh flow when a refresh token exists.
func (c *Client) authenticateLocked(ctx context.Context) error {
	c.state.Store(int32(StateAuthenticating))

	var tok Token
	var err error

	if refresh := c.session.RefreshToken(); refresh != "" {
		tok, err = c.authn.Refresh(ctx, refresh)
		if err != nil {
			logging.Warn().Err(err).Str("integration", c.cfg.Name).Msg("Token refresh failed, retrying full authentication")
			tok, err = c.authn.Authenticate(ctx)
		}
	} else {
		tok, err = c.authn.Authenticate(ctx)
	}

	if err != nil {
		c.session.Clear()
		c.state.Store(int32(StateAuthExpired))
		if IsAuthError(err) {
			return err
		}
		return &AuthError{Message: err.Error()}
	}

	c.session.Apply(tok)
	c.state.Store(int32(StateReady))

	if c.tokens != nil {
		if err := c.tokens.SaveToken(c.cfg.Name, tok); err != nil {
			logging.Warn().Err(err).Str("integration", c.cfg.Name).Msg("Failed to persist token")
		}
	}

	logging.Info().Str("integration", c.cfg.Name).Time("expires_at", tok.ExpiresAt).Msg("Authenticated")
	return nil
}

// ensureAuthenticated re-checks session validity and refreshes proactively.
// The 5-minute margin in Session.Valid turns reactive mid-sync failures
// into a refresh before the request goes out.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.session.Valid() {
		return nil
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	// Another request may have refreshed while we waited for the lock.
	if c.session.Valid() {
		return nil
	}

	return c.authenticateLocked(ctx)
}

// Request performs one logical call against the remote API.
//
// Flow: validity check (with proactive refresh) -> rate limiter gate ->
// read cache -> retrying transport -> cache population / invalidation.
// A 401/403 that survives the proactive refresh clears the session and
// surfaces as an AuthError; the client never loops re-authenticating.
func (c *Client) Request(ctx context.Context, opts RequestOptions) ([]byte, error) {
	if c.State() == StateDestroyed {
		return nil, ErrClientDestroyed
	}

	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	isRead := method == http.MethodGet
	cacheKey := ""
	if isRead && !opts.NoCache {
		cacheKey = cache.GenerateKey(method, opts.Endpoint, opts.Query)
		if data, ok := c.cache.Get(cacheKey); ok {
			metrics.CacheHits.WithLabelValues(c.cfg.Name).Inc()
			return data, nil
		}
		metrics.CacheMisses.WithLabelValues(c.cfg.Name).Inc()
	}

	c.state.Store(int32(StateRequesting))
	defer c.state.CompareAndSwap(int32(StateRequesting), int32(StateReady))

	data, err := c.execute(ctx, method, opts)

	if err != nil {
		metrics.RequestsTotal.WithLabelValues(c.cfg.Name, method, "error").Inc()
		c.emitRequestEvent(webhook.KindRequestFailed, method, opts.Endpoint, err)

		if IsAuthError(err) {
			// The proactive refresh did not help; clear and surface.
			c.session.Clear()
			c.state.Store(int32(StateAuthExpired))
			logging.Error().Err(err).Str("integration", c.cfg.Name).Msg("Session rejected by remote, cleared")
		}
		return nil, err
	}

	metrics.RequestsTotal.WithLabelValues(c.cfg.Name, method, "success").Inc()
	c.emitRequestEvent(webhook.KindRequestSucceeded, method, opts.Endpoint, nil)

	if cacheKey != "" {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.cfg.CacheTTL
		}
		c.cache.SetWithTTL(cacheKey, data, ttl)
	}

	if !isRead {
		prefix := opts.InvalidatePrefix
		if prefix == "" {
			prefix = opts.Endpoint
		}
		c.cache.InvalidatePrefix(http.MethodGet + ":" + prefix)
	}

	return data, nil
}

// execute marshals the body, builds the URL, and runs the transport.
func (c *Client) execute(ctx context.Context, method string, opts RequestOptions) ([]byte, error) {
	fullURL := c.cfg.BaseURL + opts.Endpoint
	if len(opts.Query) > 0 {
		fullURL += "?" + opts.Query.Encode()
	}

	var body []byte
	if opts.Body != nil {
		var err error
		body, err = json.Marshal(opts.Body)
		if err != nil {
			return nil, &RequestError{StatusCode: 0, Body: fmt.Sprintf("marshal request body: %v", err)}
		}
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if len(body) > 0 {
		header.Set("Content-Type", "application/json")
	}
	if tok := c.session.AccessToken(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	for key, values := range opts.Header {
		for _, v := range values {
			header.Set(key, v)
		}
	}

	start := time.Now()
	resp, err := c.transport.Execute(ctx, method, fullURL, header, body)
	metrics.RequestDuration.WithLabelValues(c.cfg.Name, method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// emitRequestEvent dispatches a request outcome event if a dispatcher is
// attached. Observability only; never alters control flow.
func (c *Client) emitRequestEvent(kind webhook.Kind, method, endpoint string, err error) {
	if c.dispatcher == nil {
		return
	}

	outcome := webhook.RequestOutcome{Method: method, Endpoint: endpoint}
	if err != nil {
		outcome.Err = err.Error()
	}
	c.dispatcher.DispatchKind(kind, c.cfg.Name, outcome)
}

// Status is a point-in-time snapshot of client health for the
// operational API.
type Status struct {
	Name          string      `json:"name"`
	State         string      `json:"state"`
	Authenticated bool        `json:"authenticated"`
	TokenExpiry   time.Time   `json:"token_expiry,omitempty"`
	RateHeadroom  int64       `json:"rate_headroom"`
	RateQuota     int64       `json:"rate_quota"`
	RateDenied    int64       `json:"rate_denied"`
	Cache         cache.Stats `json:"cache"`
}

// Status reports current client health.
func (c *Client) Status() Status {
	return Status{
		Name:          c.cfg.Name,
		State:         c.State().String(),
		Authenticated: c.session.Valid(),
		TokenExpiry:   c.session.ExpiresAt(),
		RateHeadroom:  c.limiter.Headroom(),
		RateQuota:     c.limiter.Quota(),
		RateDenied:    c.limiter.Denied(),
		Cache:         c.cache.GetStats(),
	}
}

// Destroy tears the client down: clears the session, cache, and counters
// and stops background goroutines. The client is unusable afterwards.
func (c *Client) Destroy() {
	c.state.Store(int32(StateDestroyed))

	c.session.Clear()
	c.cache.Clear()
	c.cache.Stop()
	c.limiter.Stop()

	logging.Info().Str("integration", c.cfg.Name).Msg("Integration client destroyed")
}
