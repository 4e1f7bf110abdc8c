// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package client

import (
	"testing"
	"time"
)

func TestSessionUnauthenticatedInvalid(t *testing.T) {
	s := NewSession()
	if s.Valid() {
		t.Error("Expected fresh session to be invalid")
	}
}

func TestSessionNonExpiringTokenValid(t *testing.T) {
	s := NewSession()
	s.Apply(Token{AccessToken: "key"})
	if !s.Valid() {
		t.Error("Expected session with non-expiring token to be valid")
	}
}

func TestSessionRefreshMargin(t *testing.T) {
	s := NewSession()

	s.Apply(Token{AccessToken: "tok", ExpiresAt: time.Now().Add(10 * time.Minute)})
	if !s.Valid() {
		t.Error("Expected token expiring in 10m to be valid")
	}

	// Inside the 5 minute margin the session must refresh proactively.
	s.Apply(Token{AccessToken: "tok", ExpiresAt: time.Now().Add(4 * time.Minute)})
	if s.Valid() {
		t.Error("Expected token expiring in 4m to be invalid")
	}

	s.Apply(Token{AccessToken: "tok", ExpiresAt: time.Now().Add(-time.Minute)})
	if s.Valid() {
		t.Error("Expected expired token to be invalid")
	}
}

func TestSessionClear(t *testing.T) {
	s := NewSession()
	s.Apply(Token{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: time.Now().Add(time.Hour)})
	s.Clear()

	if s.Valid() {
		t.Error("Expected cleared session to be invalid")
	}
	if s.AccessToken() != "" || s.RefreshToken() != "" {
		t.Error("Expected cleared session to hold no tokens")
	}
	if !s.ExpiresAt().IsZero() {
		t.Error("Expected cleared session to have zero expiry")
	}
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := NewSession()
	exp := time.Now().Add(time.Hour)
	s.Apply(Token{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: exp})

	snap := s.Snapshot()
	if snap.AccessToken != "tok" || snap.RefreshToken != "ref" || !snap.ExpiresAt.Equal(exp) {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}
