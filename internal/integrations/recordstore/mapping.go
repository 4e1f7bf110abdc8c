// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package recordstore

import "github.com/feedbridge/feedbridge/internal/mapper"

// DefaultMappingTable covers the common column names of a generic
// record table. Hosts embedding the engine supply their own table for
// bases with a different schema.
func DefaultMappingTable(entityType string) mapper.Table {
	if entityType == "" {
		entityType = "record"
	}
	return mapper.Table{
		EntityType: entityType,
		Fields: []mapper.Field{
			{External: "Name", Internal: "name", Coerce: mapper.CoerceString},
			{External: "Notes", Internal: "notes", Coerce: mapper.CoerceString},
			{External: "Status", Internal: "status", Coerce: mapper.CoerceString},
			{External: "Price", Internal: "price", Coerce: mapper.CoerceFloat},
			{External: "Fee", Internal: "fee", Coerce: mapper.CoerceFloat},
			{External: "Quantity", Internal: "quantity", Coerce: mapper.CoerceInt},
			{External: "Active", Internal: "active", Coerce: mapper.CoerceBool},
			{External: "Tags", Internal: "tags", Coerce: mapper.CoerceStringList},
			{External: "Attachments", Internal: "attachments", Coerce: mapper.CoerceStringList},
			{External: "Last Modified", Internal: "modified_at", Coerce: mapper.CoerceTime},
		},
	}
}
