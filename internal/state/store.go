// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
store.go - Durable per-integration state

BadgerDB-backed persistence for the two things that must survive a
restart: the authentication token set and the sync cursor. Keys are
namespaced per integration so instances never collide:

	token:<integration>
	cursor:<integration>

The cursor is monotonic. SaveCursor refuses to move lastSyncTime
backwards; forgetting progress is only possible through ClearCursor,
which is the explicit full-resync path.
*/

package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/logging"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("state store is closed")

// CursorState names the lifecycle phase of a sync cursor.
type CursorState string

const (
	// CursorNotStarted means no record has ever been ingested for the
	// integration; the next run is a full sync.
	CursorNotStarted CursorState = "not_started"

	// CursorInProgress means incremental state exists and the next run
	// fetches changes after LastSyncTime.
	CursorInProgress CursorState = "in_progress"
)

// Cursor is the durable sync position for one integration.
type Cursor struct {
	// LastSyncTime is the maximum modification timestamp among records
	// successfully ingested so far. Zero when no sync has completed.
	LastSyncTime time.Time `json:"last_sync_time"`

	// DeltaToken is an opaque provider-issued continuation token, used
	// by integrations whose APIs hand out delta links instead of (or in
	// addition to) timestamp filters. Empty when unused.
	DeltaToken string `json:"delta_token,omitempty"`
}

// State derives the cursor's lifecycle phase from its stored fields.
func (c Cursor) State() CursorState {
	if c.LastSyncTime.IsZero() {
		return CursorNotStarted
	}
	return CursorInProgress
}

// Started reports whether the cursor has left CursorNotStarted.
func (c Cursor) Started() bool {
	return c.State() == CursorInProgress
}

// Store persists tokens and cursors in a shared BadgerDB instance.
type Store struct {
	db     *badger.DB
	closed bool
	mu     sync.RWMutex
}

// Open opens (or creates) a BadgerDB at path and wraps it in a Store.
// An empty path opens an in-memory database, used by tests.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing BadgerDB instance shared with other
// components.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

func tokenKey(integration string) []byte {
	return []byte("token:" + integration)
}

func cursorKey(integration string) []byte {
	return []byte("cursor:" + integration)
}

// SaveToken persists the token set for an integration. Implements
// client.TokenStore.
func (s *Store) SaveToken(integration string, tok client.Token) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tokenKey(integration), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

// LoadToken loads a persisted token set. The second return value is false
// when no token has ever been saved for the integration.
func (s *Store) LoadToken(integration string) (client.Token, bool, error) {
	if err := s.checkOpen(); err != nil {
		return client.Token{}, false, err
	}

	var tok client.Token
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(integration))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tok)
		})
	})
	if err != nil {
		return client.Token{}, false, fmt.Errorf("failed to load token: %w", err)
	}
	return tok, found, nil
}

// DeleteToken removes a persisted token set, used when a session is
// revoked remotely.
func (s *Store) DeleteToken(integration string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tokenKey(integration))
	})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// LoadCursor reads the sync cursor for an integration. A missing key is
// not an error; it returns the zero Cursor (never started).
func (s *Store) LoadCursor(integration string) (Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return Cursor{}, err
	}

	var cur Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(integration))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		})
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cur, nil
}

// SaveCursor advances the sync cursor. The write is guarded inside the
// transaction: a cursor whose LastSyncTime is behind the stored one is
// ignored, so a delayed or concurrent writer can never roll progress
// back. Returns the cursor actually stored.
func (s *Store) SaveCursor(integration string, cur Cursor) (Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return Cursor{}, err
	}

	stored := cur
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(integration))
		if err == nil {
			var existing Cursor
			if valErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); valErr == nil {
				if cur.LastSyncTime.Before(existing.LastSyncTime) {
					logging.Warn().
						Str("integration", integration).
						Time("stored", existing.LastSyncTime).
						Time("rejected", cur.LastSyncTime).
						Msg("Rejected cursor regression")
					stored = existing
					return nil
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(cursorKey(integration), data)
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to persist cursor: %w", err)
	}
	return stored, nil
}

// ClearCursor resets an integration to the never-started state. The next
// sync will be a full fetch.
func (s *Store) ClearCursor(integration string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cursorKey(integration))
	})
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// Close closes the underlying database. Further operations return
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
