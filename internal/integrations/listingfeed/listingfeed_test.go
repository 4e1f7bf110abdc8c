// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package listingfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feedbridge/feedbridge/internal/state"
)

// feedServer is a combined token endpoint and OData feed for tests.
type feedServer struct {
	mu         sync.Mutex
	tokenForms []map[string]string
	feedReqs   []*http.Request
	feedBody   func(r *http.Request) string
	srv        *httptest.Server
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, form)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"token_type":"Bearer"}`))
	})
	mux.HandleFunc("/odata/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.feedReqs = append(f.feedReqs, r.Clone(context.Background()))
		body := `{"value":[]}`
		if f.feedBody != nil {
			body = f.feedBody(r)
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) integration(t *testing.T, mutate func(*Config)) *Integration {
	t.Helper()
	cfg := Config{
		Name:            "testfeed",
		BaseURL:         f.srv.URL + "/odata",
		TokenURL:        f.srv.URL + "/oauth/token",
		ClientID:        "cid",
		ClientSecret:    "secret",
		RateLimitQuota:  1000,
		RateLimitWindow: time.Second,
		RetryAttempts:   1,
		RetryDelay:      time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	i, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(i.Destroy)
	return i
}

func (f *feedServer) lastFeedReq() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.feedReqs) == 0 {
		return nil
	}
	return f.feedReqs[len(f.feedReqs)-1]
}

func TestNewRequiresOAuthConfig(t *testing.T) {
	if _, err := New(Config{BaseURL: "https://x.example", ClientID: "a", ClientSecret: "b"}, nil, nil); err == nil {
		t.Error("Expected error without token URL")
	}
	if _, err := New(Config{BaseURL: "https://x.example", TokenURL: "https://x.example/t"}, nil, nil); err == nil {
		t.Error("Expected error without client credentials")
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newFeedServer(t)
	i := f.integration(t, func(c *Config) { c.Scope = "odata.read" })

	if _, err := i.FetchPage(context.Background(), "Property", nil, ""); err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	f.mu.Lock()
	forms := f.tokenForms
	f.mu.Unlock()
	if len(forms) != 1 {
		t.Fatalf("Expected 1 token exchange, got %d", len(forms))
	}
	form := forms[0]
	if form["grant_type"] != "client_credentials" {
		t.Errorf("Unexpected grant type %q", form["grant_type"])
	}
	if form["client_id"] != "cid" || form["client_secret"] != "secret" {
		t.Errorf("Unexpected credentials %v", form)
	}
	if form["scope"] != "odata.read" {
		t.Errorf("Unexpected scope %q", form["scope"])
	}

	req := f.lastFeedReq()
	if req == nil || req.Header.Get("Authorization") != "Bearer at-1" {
		t.Error("Feed request missing the exchanged bearer token")
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	f := newFeedServer(t)
	authn := &oauthAuthenticator{
		tokenURL:     f.srv.URL + "/oauth/token",
		clientID:     "cid",
		clientSecret: "secret",
		httpClient:   &http.Client{Timeout: time.Second},
	}

	tok, err := authn.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if tok.AccessToken != "at-1" {
		t.Errorf("Unexpected access token %q", tok.AccessToken)
	}
	if tok.ExpiresAt.IsZero() || time.Until(tok.ExpiresAt) > time.Hour {
		t.Errorf("Unexpected expiry %v", tok.ExpiresAt)
	}

	f.mu.Lock()
	form := f.tokenForms[0]
	f.mu.Unlock()
	if form["grant_type"] != "refresh_token" || form["refresh_token"] != "rt-old" {
		t.Errorf("Unexpected refresh form %v", form)
	}

	// An empty refresh token falls back to the full grant.
	if _, err := authn.Refresh(context.Background(), ""); err != nil {
		t.Fatalf("Fallback refresh failed: %v", err)
	}
	f.mu.Lock()
	form = f.tokenForms[1]
	f.mu.Unlock()
	if form["grant_type"] != "client_credentials" {
		t.Errorf("Expected client_credentials fallback, got %q", form["grant_type"])
	}
}

func TestTokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	authn := &oauthAuthenticator{
		tokenURL:     srv.URL,
		clientID:     "cid",
		clientSecret: "wrong",
		httpClient:   &http.Client{Timeout: time.Second},
	}
	if _, err := authn.Authenticate(context.Background()); err == nil {
		t.Error("Expected error for rejected credentials")
	}
}

func TestFetchPageNextLink(t *testing.T) {
	f := newFeedServer(t)
	f.feedBody = func(r *http.Request) string {
		if r.URL.Query().Get("$skiptoken") == "" {
			return `{"value":[{"ListingKey":"L-1"}],"@odata.nextLink":"` + f.srv.URL + `/odata/Property?%24skiptoken=abc"}`
		}
		return `{"value":[{"ListingKey":"L-2"}]}`
	}
	i := f.integration(t, nil)

	page, err := i.FetchPage(context.Background(), "Property", nil, "")
	if err != nil {
		t.Fatalf("First page failed: %v", err)
	}
	if len(page.Value) != 1 || page.NextLink == "" {
		t.Fatalf("Unexpected first page %+v", page)
	}

	page, err = i.FetchPage(context.Background(), "Property", nil, page.NextLink)
	if err != nil {
		t.Fatalf("Continuation failed: %v", err)
	}
	if len(page.Value) != 1 || page.Value[0]["ListingKey"] != "L-2" {
		t.Errorf("Unexpected continuation page %+v", page)
	}

	req := f.lastFeedReq()
	if req.URL.Query().Get("$skiptoken") != "abc" {
		t.Errorf("Continuation lost the skiptoken: %v", req.URL.Query())
	}
}

func TestFetchPageRejectsForeignNextLink(t *testing.T) {
	f := newFeedServer(t)
	i := f.integration(t, nil)

	_, err := i.FetchPage(context.Background(), "Property", nil, "https://evil.example.com/odata/Property?$skiptoken=x")
	if err == nil || !strings.Contains(err.Error(), "does not match feed host") {
		t.Errorf("Expected foreign host rejection, got %v", err)
	}
}

func TestFetchChangesIncrementalQuery(t *testing.T) {
	f := newFeedServer(t)
	i := f.integration(t, func(c *Config) { c.ExpandMedia = true })

	since := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if _, err := i.FetchChanges(context.Background(), state.Cursor{LastSyncTime: since}, ""); err != nil {
		t.Fatalf("FetchChanges failed: %v", err)
	}

	q := f.lastFeedReq().URL.Query()
	if got := q.Get("$filter"); got != "ModificationTimestamp gt 2026-08-01T10:00:00Z" {
		t.Errorf("Unexpected $filter %q", got)
	}
	if got := q.Get("$orderby"); got != "ModificationTimestamp asc" {
		t.Errorf("Unexpected $orderby %q", got)
	}
	if got := q.Get("$top"); got != "200" {
		t.Errorf("Unexpected $top %q", got)
	}
	if got := q.Get("$expand"); got != "Media" {
		t.Errorf("Unexpected $expand %q", got)
	}
}

func TestFetchChangesFullWithoutCursor(t *testing.T) {
	f := newFeedServer(t)
	i := f.integration(t, nil)

	if _, err := i.FetchChanges(context.Background(), state.Cursor{}, ""); err != nil {
		t.Fatalf("FetchChanges failed: %v", err)
	}
	if got := f.lastFeedReq().URL.Query().Get("$filter"); got != "" {
		t.Errorf("Never-started cursor must not filter, got %q", got)
	}
}

func TestFetchChangesExcludesNonCompliantListings(t *testing.T) {
	f := newFeedServer(t)
	f.feedBody = func(r *http.Request) string {
		return `{"value":[
			{"ListingKey":"L-ok","ListPrice":100,"ModificationTimestamp":"2026-08-01T10:00:00Z"},
			{"ListingKey":"L-bad","ModificationTimestamp":"2026-08-01T11:00:00Z"}
		]}`
	}
	i := f.integration(t, func(c *Config) {
		c.Compliance = ComplianceConfig{RequiredFields: []string{"ListPrice"}}
	})

	page, err := i.FetchChanges(context.Background(), state.Cursor{}, "")
	if err != nil {
		t.Fatalf("FetchChanges failed: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("Expected 1 compliant record, got %d", len(page.Records))
	}
	rec := page.Records[0]
	if rec.ID != "L-ok" || rec.EntityType != "listing" {
		t.Errorf("Unexpected record %+v", rec)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !rec.ModifiedAt.Equal(want) {
		t.Errorf("Unexpected ModifiedAt %v", rec.ModifiedAt)
	}
}

func TestGetListing(t *testing.T) {
	f := newFeedServer(t)
	f.feedBody = func(r *http.Request) string {
		return `{"ListingKey":"L-9","City":"Springfield"}`
	}
	i := f.integration(t, nil)

	listing, err := i.GetListing(context.Background(), "L-9")
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if listing["City"] != "Springfield" {
		t.Errorf("Unexpected listing %v", listing)
	}
	if path := f.lastFeedReq().URL.Path; path != "/odata/Property('L-9')" {
		t.Errorf("Unexpected path %q", path)
	}
}
