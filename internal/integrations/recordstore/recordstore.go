// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
recordstore.go - Spreadsheet-Style Record Store Integration

Client for a generic table/record API: a base holds named tables, each
table holds records of the shape {id, createdTime, fields}. Reads use
formula filters and offset-token pagination; writes are capped at 10
records per request, so the batch helpers in batch.go chunk on behalf
of the caller.

Authentication is a static API key presented as a bearer token. The key
never expires, so the session predicate always holds once set.
*/

package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// maxRecordsPerMutation is the hard per-request cap the remote API
// imposes on create, update, and delete calls.
const maxRecordsPerMutation = 10

// Config configures one record store integration instance.
type Config struct {
	// Enabled gates construction; a disabled integration is skipped
	// entirely at startup.
	Enabled bool `koanf:"enabled"`

	// Name identifies this instance; defaults to "recordstore".
	Name string `koanf:"name"`

	// BaseURL is the API root, e.g. "https://api.example.com".
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// APIKey is the static bearer credential.
	APIKey string `koanf:"api_key" validate:"required"`

	// BaseID selects the record base all table paths are scoped under.
	BaseID string `koanf:"base_id" validate:"required"`

	// SyncTable is the table the sync coordinator pulls changes from.
	SyncTable string `koanf:"sync_table"`

	// ModifiedField is the field carrying each record's last-modified
	// timestamp, used for delta filters. Defaults to "Last Modified".
	ModifiedField string `koanf:"modified_field"`

	// EntityType labels mapped records for the field mapper. Defaults
	// to "record".
	EntityType string `koanf:"entity_type"`

	Timeout         time.Duration `koanf:"timeout"`
	RetryAttempts   int           `koanf:"retry_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	RateLimitQuota  int64         `koanf:"rate_limit_quota"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`
}

// applyDefaults fills zero-valued tunables with the defaults the remote
// API's published limits suggest (5 req/s).
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "recordstore"
	}
	if c.ModifiedField == "" {
		c.ModifiedField = "Last Modified"
	}
	if c.EntityType == "" {
		c.EntityType = "record"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RateLimitQuota <= 0 {
		c.RateLimitQuota = 5
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 1000
	}
}

// Record is one row of a table.
type Record struct {
	ID          string                 `json:"id"`
	CreatedTime time.Time              `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

// recordPage is the wire shape of a list response.
type recordPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// ListOptions shapes a table read.
type ListOptions struct {
	// FilterByFormula restricts results with a formula expression, e.g.
	// `IS_AFTER({Last Modified}, "2026-01-01T00:00:00Z")`.
	FilterByFormula string

	// Fields limits the returned field set.
	Fields []string

	// SortField and SortDirection order results; direction is "asc" or
	// "desc".
	SortField     string
	SortDirection string

	// PageSize bounds records per request; the API caps it at 100.
	PageSize int

	// MaxRecords bounds the total across pages; zero means unbounded.
	MaxRecords int

	// View restricts to a named table view.
	View string

	// Offset is the continuation token from a previous page.
	Offset string
}

// apiKeyAuthenticator satisfies client.Authenticator for static-key
// auth. The exchange is a no-op; the key is the token.
type apiKeyAuthenticator struct {
	apiKey string
}

func (a *apiKeyAuthenticator) Authenticate(ctx context.Context) (client.Token, error) {
	if a.apiKey == "" {
		return client.Token{}, fmt.Errorf("API key is empty")
	}
	return client.Token{AccessToken: a.apiKey}, nil
}

func (a *apiKeyAuthenticator) Refresh(ctx context.Context, refreshToken string) (client.Token, error) {
	return a.Authenticate(ctx)
}

// Integration is the record store client.
type Integration struct {
	cfg    Config
	client *client.Client
}

// New builds a record store integration. tokens and dispatcher are
// optional and forwarded to the underlying client.
func New(cfg Config, tokens client.TokenStore, dispatcher *webhook.Dispatcher) (*Integration, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("record store %s: API key is required", cfg.Name)
	}
	if cfg.BaseID == "" {
		return nil, fmt.Errorf("record store %s: base ID is required", cfg.Name)
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
	}, &apiKeyAuthenticator{apiKey: cfg.APIKey}, tokens, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create record store client: %w", err)
	}

	return &Integration{cfg: cfg, client: cl}, nil
}

// Name returns the integration instance name.
func (i *Integration) Name() string {
	return i.cfg.Name
}

// Client exposes the underlying integration client for the sync
// coordinator and status reporting.
func (i *Integration) Client() *client.Client {
	return i.client
}

// tablePath builds the endpoint path for a table, URL-escaping the
// table name (table names commonly contain spaces).
func (i *Integration) tablePath(table string) string {
	return "/v0/" + i.cfg.BaseID + "/" + url.PathEscape(table)
}

// ListRecords fetches one page of records from a table.
func (i *Integration) ListRecords(ctx context.Context, table string, opts ListOptions) ([]Record, string, error) {
	query := url.Values{}
	if opts.FilterByFormula != "" {
		query.Set("filterByFormula", opts.FilterByFormula)
	}
	for _, f := range opts.Fields {
		query.Add("fields[]", f)
	}
	if opts.SortField != "" {
		query.Set("sort[0][field]", opts.SortField)
		dir := opts.SortDirection
		if dir == "" {
			dir = "asc"
		}
		query.Set("sort[0][direction]", dir)
	}
	if opts.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.MaxRecords > 0 {
		query.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	if opts.View != "" {
		query.Set("view", opts.View)
	}
	if opts.Offset != "" {
		query.Set("offset", opts.Offset)
	}

	data, err := i.client.Request(ctx, client.RequestOptions{
		Method:   http.MethodGet,
		Endpoint: i.tablePath(table),
		Query:    query,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list records in %s: %w", table, err)
	}

	var page recordPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, "", fmt.Errorf("failed to decode record page: %w", err)
	}
	return page.Records, page.Offset, nil
}

// GetRecord fetches a single record by ID.
func (i *Integration) GetRecord(ctx context.Context, table, recordID string) (*Record, error) {
	data, err := i.client.Request(ctx, client.RequestOptions{
		Method:   http.MethodGet,
		Endpoint: i.tablePath(table) + "/" + recordID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", recordID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// Destroy tears down the underlying client.
func (i *Integration) Destroy() {
	i.client.Destroy()
}
