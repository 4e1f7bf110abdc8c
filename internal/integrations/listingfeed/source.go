// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
source.go - Sync Source Adapter

Adapts the listing feed to the sync coordinator's Source contract.
Incremental fetches filter on ModificationTimestamp strictly greater
than the cursor, ordered ascending, and follow @odata.nextLink
continuations. Listings that fail the compliance rule set are excluded
from the page and logged; they never advance the cursor.
*/

package listingfeed

import (
	"context"
	"time"

	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/state"
	"github.com/feedbridge/feedbridge/internal/syncer"
)

// syncPageSize bounds listings per sync request.
const syncPageSize = 200

// listingKeyField identifies a listing in the standardized feed schema.
const listingKeyField = "ListingKey"

// FetchChanges implements syncer.Source.
func (i *Integration) FetchChanges(ctx context.Context, cur state.Cursor, pageToken string) (syncer.Page, error) {
	var feed *FeedPage
	var err error

	if pageToken != "" {
		feed, err = i.FetchPage(ctx, i.cfg.Resource, nil, pageToken)
	} else {
		q := NewQuery().
			OrderBy(i.cfg.Compliance.TimestampField + " asc").
			Top(syncPageSize)
		if cur.Started() {
			q.FilterGt(i.cfg.Compliance.TimestampField, cur.LastSyncTime)
		}
		if i.cfg.ExpandMedia {
			q.Expand("Media")
		}
		feed, err = i.FetchPage(ctx, i.cfg.Resource, q, "")
	}
	if err != nil {
		return syncer.Page{}, err
	}

	page := syncer.Page{NextToken: feed.NextLink}
	for _, listing := range feed.Value {
		res := i.compliance.Check(listing)
		if !res.Compliant {
			logging.Warn().
				Str("integration", i.cfg.Name).
				Str("listing_key", keyOf(listing)).
				Int("violations", len(res.Violations)).
				Msg("Listing excluded by compliance rules")
			continue
		}

		page.Records = append(page.Records, syncer.Record{
			ID:         keyOf(listing),
			EntityType: i.cfg.EntityType,
			ModifiedAt: i.modifiedAt(listing),
			Fields:     listing,
		})
	}
	return page, nil
}

func keyOf(listing map[string]interface{}) string {
	key, _ := listing[listingKeyField].(string)
	return key
}

// modifiedAt parses the listing's modification timestamp. A listing
// with an unparseable timestamp still syncs but cannot advance the
// cursor past other records.
func (i *Integration) modifiedAt(listing map[string]interface{}) time.Time {
	raw, _ := listing[i.cfg.Compliance.TimestampField].(string)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
