// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
source.go - Sync Source Adapter

Adapts the record store to the sync coordinator's Source contract.
Incremental fetches filter on the configured last-modified field with
an IS_AFTER formula; a never-started cursor fetches the whole table.
Pages are requested sorted ascending by modification time so the
coordinator's cursor tracks forward through each page.
*/

package recordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/feedbridge/feedbridge/internal/state"
	"github.com/feedbridge/feedbridge/internal/syncer"
)

// syncPageSize is the records-per-request bound for sync reads. The API
// caps list pages at 100.
const syncPageSize = 100

// FetchChanges implements syncer.Source.
func (i *Integration) FetchChanges(ctx context.Context, cur state.Cursor, pageToken string) (syncer.Page, error) {
	if i.cfg.SyncTable == "" {
		return syncer.Page{}, fmt.Errorf("record store %s: no sync table configured", i.cfg.Name)
	}

	opts := ListOptions{
		SortField:     i.cfg.ModifiedField,
		SortDirection: "asc",
		PageSize:      syncPageSize,
		Offset:        pageToken,
	}
	if cur.Started() {
		opts.FilterByFormula = fmt.Sprintf("IS_AFTER({%s}, %q)",
			i.cfg.ModifiedField, cur.LastSyncTime.UTC().Format(time.RFC3339))
	}

	records, offset, err := i.ListRecords(ctx, i.cfg.SyncTable, opts)
	if err != nil {
		return syncer.Page{}, err
	}

	page := syncer.Page{NextToken: offset}
	for _, rec := range records {
		page.Records = append(page.Records, syncer.Record{
			ID:         rec.ID,
			EntityType: i.cfg.EntityType,
			ModifiedAt: i.modifiedAt(rec),
			Fields:     rec.Fields,
		})
	}
	return page, nil
}

// modifiedAt extracts the record's modification timestamp from the
// configured field, falling back to createdTime when the field is
// missing or unparseable.
func (i *Integration) modifiedAt(rec Record) time.Time {
	raw, ok := rec.Fields[i.cfg.ModifiedField]
	if !ok {
		return rec.CreatedTime
	}
	s, ok := raw.(string)
	if !ok {
		return rec.CreatedTime
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return rec.CreatedTime
}
