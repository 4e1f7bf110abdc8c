// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
entities.go - Synchronized Entity Storage

Keyed upsert storage for mapped entities, used as the standalone
server's ingestion sink. Writes are idempotent by (integration, entity
type, id), which is exactly what the at-least-once sync contract needs:
re-delivering a record overwrites it with identical data.

	entity:<integration>:<type>:<id>
*/

package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Entity is one stored synchronized entity.
type Entity struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	Fields     map[string]interface{} `json:"fields"`
	StoredAt   time.Time              `json:"stored_at"`
}

func entityKey(integration, entityType, id string) []byte {
	return []byte("entity:" + integration + ":" + entityType + ":" + id)
}

func entityPrefix(integration, entityType string) []byte {
	return []byte("entity:" + integration + ":" + entityType + ":")
}

// UpsertEntity stores or replaces one entity.
func (s *Store) UpsertEntity(integration, entityType, id string, fields map[string]interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("entity id is required")
	}

	ent := Entity{ID: id, EntityType: entityType, Fields: fields, StoredAt: time.Now()}
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entityKey(integration, entityType, id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}
	return nil
}

// GetEntity loads one entity; the second return value is false when it
// does not exist.
func (s *Store) GetEntity(integration, entityType, id string) (Entity, bool, error) {
	if err := s.checkOpen(); err != nil {
		return Entity{}, false, err
	}

	var ent Entity
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(integration, entityType, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ent)
		})
	})
	if err != nil {
		return Entity{}, false, fmt.Errorf("failed to load entity: %w", err)
	}
	return ent, found, nil
}

// CountEntities counts stored entities of one type.
func (s *Store) CountEntities(integration, entityType string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := entityPrefix(integration, entityType)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

// ListEntityIDs lists the IDs stored for one entity type.
func (s *Store) ListEntityIDs(integration, entityType string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := entityPrefix(integration, entityType)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return ids, nil
}
