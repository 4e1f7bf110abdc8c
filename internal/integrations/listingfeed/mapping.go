// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package listingfeed

import "github.com/feedbridge/feedbridge/internal/mapper"

// DefaultMappingTable translates the standardized listing schema the
// feed follows into the internal listing shape.
func DefaultMappingTable(entityType string) mapper.Table {
	if entityType == "" {
		entityType = "listing"
	}
	return mapper.Table{
		EntityType: entityType,
		Fields: []mapper.Field{
			{External: "ListingKey", Internal: "listing_key", Coerce: mapper.CoerceString},
			{External: "StandardStatus", Internal: "status", Coerce: mapper.CoerceString},
			{External: "ListPrice", Internal: "price", Coerce: mapper.CoerceFloat},
			{External: "AssociationFee", Internal: "association_fee", Coerce: mapper.CoerceFloat},
			{External: "LivingArea", Internal: "living_area", Coerce: mapper.CoerceFloat},
			{External: "LotSizeArea", Internal: "lot_size_area", Coerce: mapper.CoerceFloat},
			{External: "BedroomsTotal", Internal: "bedrooms", Coerce: mapper.CoerceInt},
			{External: "BathroomsTotalInteger", Internal: "bathrooms", Coerce: mapper.CoerceInt},
			{External: "YearBuilt", Internal: "year_built", Coerce: mapper.CoerceInt},
			{External: "PhotosCount", Internal: "photo_count", Coerce: mapper.CoerceInt},
			{External: "UnparsedAddress", Internal: "address", Coerce: mapper.CoerceString},
			{External: "City", Internal: "city", Coerce: mapper.CoerceString},
			{External: "StateOrProvince", Internal: "state", Coerce: mapper.CoerceString},
			{External: "PostalCode", Internal: "postal_code", Coerce: mapper.CoerceString},
			{External: "PublicRemarks", Internal: "description", Coerce: mapper.CoerceString},
			{External: "Disclaimer", Internal: "disclaimer", Coerce: mapper.CoerceString},
			{External: "Media", Internal: "media", Coerce: mapper.CoerceStringList},
			{External: "ModificationTimestamp", Internal: "modified_at", Coerce: mapper.CoerceTime},
			{External: "ListingContractDate", Internal: "contract_date", Coerce: mapper.CoerceTime},
		},
	}
}
