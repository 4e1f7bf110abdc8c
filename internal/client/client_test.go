// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthenticator issues sequential tokens and counts exchanges.
type fakeAuthenticator struct {
	mu           sync.Mutex
	authCalls    int
	refreshCalls int
	failAuth     bool
	expiry       time.Time
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.failAuth {
		return Token{}, &AuthError{StatusCode: 401, Message: "bad credentials"}
	}
	return Token{AccessToken: "token-1", RefreshToken: "refresh-1", ExpiresAt: f.expiry}, nil
}

func (f *fakeAuthenticator) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return Token{AccessToken: "token-refreshed", RefreshToken: refreshToken, ExpiresAt: f.expiry}, nil
}

func (f *fakeAuthenticator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.refreshCalls
}

// memTokenStore is an in-memory TokenStore for persistence tests.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]Token)}
}

func (m *memTokenStore) SaveToken(integration string, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[integration] = tok
	return nil
}

func (m *memTokenStore) LoadToken(integration string) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[integration]
	return tok, ok, nil
}

func testConfig(name, baseURL string) Config {
	return Config{
		Name:            name,
		BaseURL:         baseURL,
		Timeout:         5 * time.Second,
		RetryAttempts:   1,
		RetryDelay:      time.Millisecond,
		RateLimitQuota:  1000,
		RateLimitWindow: time.Second,
		CacheTTL:        time.Minute,
		CacheMaxEntries: 100,
	}
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig("test", "https://api.example.com")
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"missing base URL", func(c *Config) { c.BaseURL = "" }},
		{"non-http base URL", func(c *Config) { c.BaseURL = "ftp://example.com" }},
		{"zero quota", func(c *Config) { c.RateLimitQuota = 0 }},
		{"zero window", func(c *Config) { c.RateLimitWindow = 0 }},
	}
	for _, tc := range cases {
		cfg := testConfig("test", "https://api.example.com")
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation failure for %s", tc.name)
		}
	}
}

func TestRequestAuthenticatesAndSendsBearer(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("test", srv.URL), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	data, err := c.Request(context.Background(), RequestOptions{Endpoint: "/things"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Unexpected body %s", data)
	}
	if got := gotAuth.Load(); got != "Bearer token-1" {
		t.Errorf("Expected bearer header, got %v", got)
	}
	if auths, _ := authn.counts(); auths != 1 {
		t.Errorf("Expected one credential exchange, got %d", auths)
	}
	if c.State() != StateReady {
		t.Errorf("Expected ready state, got %s", c.State())
	}
}

func TestRequestCachesReads(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("test", srv.URL), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	opts := RequestOptions{Endpoint: "/things", Query: url.Values{"page": {"1"}}}
	for i := 0; i < 3; i++ {
		if _, err := c.Request(context.Background(), opts); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected one upstream call for repeated reads, got %d", got)
	}

	// Bypassing the cache reaches the server again.
	opts.NoCache = true
	if _, err := c.Request(context.Background(), opts); err != nil {
		t.Fatalf("NoCache request failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected NoCache to hit upstream, got %d calls", got)
	}
}

func TestMutationInvalidatesCachedReads(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("test", srv.URL), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	read := RequestOptions{Endpoint: "/things/1"}
	if _, err := c.Request(context.Background(), read); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := c.Request(context.Background(), read); err != nil {
		t.Fatalf("Cached read failed: %v", err)
	}
	if gets.Load() != 1 {
		t.Fatalf("Expected cached second read, got %d gets", gets.Load())
	}

	mutation := RequestOptions{
		Method:           http.MethodPatch,
		Endpoint:         "/things/1",
		Body:             map[string]string{"name": "updated"},
		InvalidatePrefix: "/things",
	}
	if _, err := c.Request(context.Background(), mutation); err != nil {
		t.Fatalf("Mutation failed: %v", err)
	}

	if _, err := c.Request(context.Background(), read); err != nil {
		t.Fatalf("Post-mutation read failed: %v", err)
	}
	if gets.Load() != 2 {
		t.Errorf("Expected mutation to invalidate cached read, got %d gets", gets.Load())
	}
}

func TestRemoteAuthRejectionClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("test", srv.URL), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	_, err = c.Request(context.Background(), RequestOptions{Endpoint: "/things"})
	if !IsAuthError(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}
	if c.Session().Valid() {
		t.Error("Expected session to be cleared after remote rejection")
	}
	if c.State() != StateAuthExpired {
		t.Errorf("Expected auth_expired state, got %s", c.State())
	}

	// The rejection does not trigger an authenticate loop; exactly the
	// initial exchange happened.
	if auths, _ := authn.counts(); auths != 1 {
		t.Errorf("Expected single credential exchange, got %d", auths)
	}
}

func TestAuthenticateFailureSurfacesAuthError(t *testing.T) {
	authn := &fakeAuthenticator{failAuth: true}
	c, err := New(testConfig("test", "https://api.example.com"), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	err = c.Authenticate(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}
	if c.State() != StateAuthExpired {
		t.Errorf("Expected auth_expired state, got %s", c.State())
	}
}

func TestTokenPersistenceAndResume(t *testing.T) {
	store := newMemTokenStore()
	expiry := time.Now().Add(time.Hour)
	authn := &fakeAuthenticator{expiry: expiry}

	c1, err := New(testConfig("test", "https://api.example.com"), authn, store, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c1.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	c1.Destroy()

	// A new client resumes the persisted token without re-authenticating.
	c2, err := New(testConfig("test", "https://api.example.com"), authn, store, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c2.Destroy()

	if !c2.Session().Valid() {
		t.Error("Expected resumed session to be valid")
	}
	if c2.Session().AccessToken() != "token-1" {
		t.Errorf("Expected resumed access token, got %q", c2.Session().AccessToken())
	}
	if c2.State() != StateReady {
		t.Errorf("Expected ready state after resume, got %s", c2.State())
	}
	if auths, _ := authn.counts(); auths != 1 {
		t.Errorf("Expected no new exchange on resume, got %d", auths)
	}
}

func TestExpiredSessionRefreshesProactively(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// Token expires inside the refresh margin, so the next request must
	// run the refresh flow first.
	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("test", srv.URL), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	c.Session().Apply(Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := c.Request(context.Background(), RequestOptions{Endpoint: "/things"}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if _, refreshes := authn.counts(); refreshes != 1 {
		t.Errorf("Expected one refresh, got %d", refreshes)
	}
	if c.Session().AccessToken() != "token-refreshed" {
		t.Errorf("Expected refreshed token in session, got %q", c.Session().AccessToken())
	}
}

func TestDestroyedClientRejectsRequests(t *testing.T) {
	authn := &fakeAuthenticator{}
	c, err := New(testConfig("test", "https://api.example.com"), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Destroy()

	if _, err := c.Request(context.Background(), RequestOptions{Endpoint: "/x"}); !errors.Is(err, ErrClientDestroyed) {
		t.Errorf("Expected ErrClientDestroyed, got %v", err)
	}
	if err := c.Authenticate(context.Background()); !errors.Is(err, ErrClientDestroyed) {
		t.Errorf("Expected ErrClientDestroyed from Authenticate, got %v", err)
	}
	if c.State() != StateDestroyed {
		t.Errorf("Expected destroyed state, got %s", c.State())
	}
}

func TestStatusSnapshot(t *testing.T) {
	authn := &fakeAuthenticator{expiry: time.Now().Add(time.Hour)}
	c, err := New(testConfig("statustest", "https://api.example.com"), authn, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Destroy()

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	st := c.Status()
	if st.Name != "statustest" {
		t.Errorf("Unexpected name %q", st.Name)
	}
	if !st.Authenticated {
		t.Error("Expected authenticated status")
	}
	if st.State != "ready" {
		t.Errorf("Expected ready state, got %q", st.State)
	}
	if st.RateQuota != 1000 {
		t.Errorf("Unexpected quota %d", st.RateQuota)
	}
}
