// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
listingfeed.go - Real-Estate Listing Feed Integration

Client for an OData-style multiple-listing data feed. Authentication is
an OAuth token endpoint: client_credentials for the initial exchange,
refresh_token for renewal when the feed issues one. Reads page through
@odata.nextLink continuations.

The token endpoint is called directly (plain http.Client with a bound
timeout) rather than through the integration client, because the
integration client would demand a valid session before issuing the very
request that creates one.
*/

package listingfeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// Config configures one listing feed integration instance.
type Config struct {
	// Enabled gates construction; a disabled integration is skipped
	// entirely at startup.
	Enabled bool `koanf:"enabled"`

	// Name identifies this instance; defaults to "listingfeed".
	Name string `koanf:"name"`

	// BaseURL is the OData service root, e.g.
	// "https://feed.example.com/odata".
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// TokenURL is the OAuth token endpoint.
	TokenURL string `koanf:"token_url" validate:"required,url"`

	// ClientID and ClientSecret drive the client_credentials grant.
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret" validate:"required"`

	// Scope is the optional OAuth scope parameter.
	Scope string `koanf:"scope"`

	// Resource is the entity set the sync coordinator pulls from.
	// Defaults to "Property".
	Resource string `koanf:"resource"`

	// EntityType labels mapped records for the field mapper. Defaults
	// to "listing".
	EntityType string `koanf:"entity_type"`

	// ExpandMedia includes the Media navigation property on sync reads
	// so photo URLs arrive with the listing.
	ExpandMedia bool `koanf:"expand_media"`

	// Compliance configures the listing rule set; see compliance.go.
	Compliance ComplianceConfig `koanf:"compliance"`

	Timeout         time.Duration `koanf:"timeout"`
	RetryAttempts   int           `koanf:"retry_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	RateLimitQuota  int64         `koanf:"rate_limit_quota"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "listingfeed"
	}
	if c.Resource == "" {
		c.Resource = "Property"
	}
	if c.EntityType == "" {
		c.EntityType = "listing"
	}
	if c.Compliance.TimestampField == "" {
		c.Compliance.TimestampField = "ModificationTimestamp"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RateLimitQuota <= 0 {
		c.RateLimitQuota = 7200
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 500
	}
}

// tokenResponse is the wire shape of the token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// oauthAuthenticator implements client.Authenticator against the feed's
// token endpoint.
type oauthAuthenticator struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
}

// Authenticate performs the client_credentials grant.
func (a *oauthAuthenticator) Authenticate(ctx context.Context) (client.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	if a.scope != "" {
		form.Set("scope", a.scope)
	}
	return a.exchange(ctx, form)
}

// Refresh performs the refresh_token grant.
func (a *oauthAuthenticator) Refresh(ctx context.Context, refreshToken string) (client.Token, error) {
	if refreshToken == "" {
		return a.Authenticate(ctx)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	return a.exchange(ctx, form)
}

func (a *oauthAuthenticator) exchange(ctx context.Context, form url.Values) (client.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return client.Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return client.Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return client.Token{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return client.Token{}, &client.AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return client.Token{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return client.Token{}, &client.AuthError{Message: "token endpoint returned no access token"}
	}

	tok := client.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// FeedPage is the wire shape of an OData collection response.
type FeedPage struct {
	Context  string                   `json:"@odata.context"`
	Count    int64                    `json:"@odata.count"`
	NextLink string                   `json:"@odata.nextLink"`
	Value    []map[string]interface{} `json:"value"`
}

// Integration is the listing feed client.
type Integration struct {
	cfg        Config
	client     *client.Client
	compliance *ComplianceChecker
}

// New builds a listing feed integration. tokens and dispatcher are
// optional and forwarded to the underlying client.
func New(cfg Config, tokens client.TokenStore, dispatcher *webhook.Dispatcher) (*Integration, error) {
	cfg.applyDefaults()
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("listing feed %s: token URL is required", cfg.Name)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("listing feed %s: client credentials are required", cfg.Name)
	}

	authn := &oauthAuthenticator{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}

	cl, err := client.New(client.Config{
		Name:            cfg.Name,
		BaseURL:         cfg.BaseURL,
		Timeout:         cfg.Timeout,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
		RateLimitQuota:  cfg.RateLimitQuota,
		RateLimitWindow: cfg.RateLimitWindow,
		CacheTTL:        cfg.CacheTTL,
		CacheMaxEntries: cfg.CacheMaxEntries,
	}, authn, tokens, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create listing feed client: %w", err)
	}

	checker, err := NewComplianceChecker(cfg.Compliance)
	if err != nil {
		return nil, fmt.Errorf("failed to build compliance checker: %w", err)
	}

	return &Integration{cfg: cfg, client: cl, compliance: checker}, nil
}

// Name returns the integration instance name.
func (i *Integration) Name() string {
	return i.cfg.Name
}

// Client exposes the underlying integration client.
func (i *Integration) Client() *client.Client {
	return i.client
}

// Compliance exposes the rule checker for hosts that validate outside
// the sync path.
func (i *Integration) Compliance() *ComplianceChecker {
	return i.compliance
}

// FetchPage runs one OData query against a resource and returns the
// decoded page. nextLink, when non-empty, overrides the query and
// fetches the continuation the feed handed back.
func (i *Integration) FetchPage(ctx context.Context, resource string, q *Query, nextLink string) (*FeedPage, error) {
	opts := client.RequestOptions{Method: http.MethodGet}

	if nextLink != "" {
		endpoint, query, err := i.splitNextLink(nextLink)
		if err != nil {
			return nil, err
		}
		opts.Endpoint = endpoint
		opts.Query = query
	} else {
		opts.Endpoint = "/" + resource
		if q != nil {
			opts.Query = q.Values()
		}
	}

	data, err := i.client.Request(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", resource, err)
	}

	var page FeedPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to decode feed page: %w", err)
	}
	return &page, nil
}

// GetListing fetches one listing by key.
func (i *Integration) GetListing(ctx context.Context, key string) (map[string]interface{}, error) {
	data, err := i.client.Request(ctx, client.RequestOptions{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("/%s('%s')", i.cfg.Resource, key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get listing %s: %w", key, err)
	}

	var listing map[string]interface{}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	return listing, nil
}

// splitNextLink reduces an absolute @odata.nextLink to an endpoint and
// query relative to the configured base URL. Links pointing at a
// different host are rejected rather than followed.
func (i *Integration) splitNextLink(nextLink string) (string, url.Values, error) {
	link, err := url.Parse(nextLink)
	if err != nil {
		return "", nil, fmt.Errorf("invalid nextLink: %w", err)
	}
	base, err := url.Parse(i.cfg.BaseURL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if link.Host != "" && link.Host != base.Host {
		return "", nil, fmt.Errorf("nextLink host %q does not match feed host %q", link.Host, base.Host)
	}

	endpoint := strings.TrimPrefix(link.Path, base.Path)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint, link.Query(), nil
}

// Destroy tears down the underlying client.
func (i *Integration) Destroy() {
	i.client.Destroy()
}
