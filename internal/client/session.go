// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package client

import (
	"context"
	"sync"
	"time"
)

// RefreshMargin is the safety margin before token expiry. A session whose
// token expires within this margin is treated as invalid so the client
// refreshes proactively instead of failing reactively mid-sync.
const RefreshMargin = 5 * time.Minute

// Authenticator performs the integration-specific credential exchange.
// An API-key integration validates the key once; a token integration runs
// a client-credentials grant and supports refresh-token renewal.
type Authenticator interface {
	// Authenticate performs a full credential exchange and returns the
	// resulting token set. expiresAt is zero for non-expiring credentials.
	Authenticate(ctx context.Context) (Token, error)

	// Refresh renews the token set using the given refresh token.
	// Implementations without a refresh flow fall back to Authenticate.
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Token is the result of a credential exchange.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"` // empty when the flow has none
	ExpiresAt    time.Time `json:"tokenExpiry,omitempty"`  // zero for non-expiring credentials
}

// Session holds the current credentials for one integration client.
// It is owned exclusively by that client and cleared on teardown or on an
// unrecoverable 401/403.
type Session struct {
	mu              sync.RWMutex
	accessToken     string
	refreshToken    string
	expiresAt       time.Time
	authenticatedAt time.Time
}

// NewSession returns an empty, unauthenticated session.
func NewSession() *Session {
	return &Session{}
}

// Apply installs a token set and stamps the authentication time.
func (s *Session) Apply(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = tok.AccessToken
	s.refreshToken = tok.RefreshToken
	s.expiresAt = tok.ExpiresAt
	s.authenticatedAt = time.Now()
}

// Valid reports whether the session can back a request right now.
// A session is valid only when authenticated and, for expiring tokens,
// when expiry is further away than the refresh margin. Validity is
// re-checked before every request, never cached.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.authenticatedAt.IsZero() {
		return false
	}
	if s.expiresAt.IsZero() {
		return true
	}
	return time.Until(s.expiresAt) > RefreshMargin
}

// AccessToken returns the current access token, empty if unauthenticated.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// RefreshToken returns the current refresh token, empty if absent.
func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

// ExpiresAt returns the token expiry, zero for non-expiring credentials.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// AuthenticatedAt returns when the session last authenticated.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt
}

// Clear destroys the session state. Called on teardown and on an
// unrecoverable authentication failure.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = ""
	s.refreshToken = ""
	s.expiresAt = time.Time{}
	s.authenticatedAt = time.Time{}
}

// Snapshot returns the session as a Token for persistence.
func (s *Session) Snapshot() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Token{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		ExpiresAt:    s.expiresAt,
	}
}
