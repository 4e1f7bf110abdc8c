// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package mapper

import (
	"reflect"
	"testing"
	"time"
)

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := New(Table{
		EntityType: "listing",
		Fields: []Field{
			{External: "ListingKey", Internal: "listing_key", Coerce: CoerceString},
			{External: "ListPrice", Internal: "list_price", Coerce: CoerceFloat},
			{External: "BedroomsTotal", Internal: "bedrooms", Coerce: CoerceInt},
			{External: "Active", Internal: "active", Coerce: CoerceBool},
			{External: "Media", Internal: "media", Coerce: CoerceStringList},
			{External: "ModificationTimestamp", Internal: "modified_at", Coerce: CoerceTime},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestNewRejectsDuplicateFields(t *testing.T) {
	_, err := New(Table{
		EntityType: "x",
		Fields: []Field{
			{External: "A", Internal: "a"},
			{External: "A", Internal: "b"},
		},
	})
	if err == nil {
		t.Error("Expected error for duplicate external name")
	}

	_, err = New(Table{
		EntityType: "x",
		Fields: []Field{
			{External: "A", Internal: "a"},
			{External: "B", Internal: "a"},
		},
	})
	if err == nil {
		t.Error("Expected error for duplicate internal name")
	}
}

func TestToInternalCoercions(t *testing.T) {
	m := testMapper(t)

	external := map[string]interface{}{
		"ListingKey":            "L-100",
		"ListPrice":             "350,000.50",
		"BedroomsTotal":         float64(3),
		"Active":                "yes",
		"Media":                 []interface{}{"https://cdn/1.jpg", map[string]interface{}{"MediaURL": "https://cdn/2.jpg"}},
		"ModificationTimestamp": "2026-08-01T10:00:00Z",
	}

	got, dropped, err := m.ToInternal("listing", external)
	if err != nil {
		t.Fatalf("ToInternal failed: %v", err)
	}
	if dropped != 0 {
		t.Errorf("Expected no drops, got %d", dropped)
	}

	if got["listing_key"] != "L-100" {
		t.Errorf("Unexpected listing_key %v", got["listing_key"])
	}
	if got["list_price"] != 350000.50 {
		t.Errorf("Expected comma-stripped price, got %v", got["list_price"])
	}
	if got["bedrooms"] != int64(3) {
		t.Errorf("Expected int64 bedrooms, got %v (%T)", got["bedrooms"], got["bedrooms"])
	}
	if got["active"] != true {
		t.Errorf("Expected active true, got %v", got["active"])
	}
	if media, ok := got["media"].([]string); !ok || !reflect.DeepEqual(media, []string{"https://cdn/1.jpg", "https://cdn/2.jpg"}) {
		t.Errorf("Unexpected media %v", got["media"])
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if ts, ok := got["modified_at"].(time.Time); !ok || !ts.Equal(want) {
		t.Errorf("Unexpected modified_at %v", got["modified_at"])
	}
}

func TestToInternalDropsUnmappedFields(t *testing.T) {
	m := testMapper(t)

	got, dropped, err := m.ToInternal("listing", map[string]interface{}{
		"ListingKey":     "L-1",
		"InternalSecret": "should not pass",
	})
	if err != nil {
		t.Fatalf("ToInternal failed: %v", err)
	}
	if dropped != 1 {
		t.Errorf("Expected 1 dropped field, got %d", dropped)
	}
	if _, present := got["InternalSecret"]; present {
		t.Error("Unmapped field leaked through")
	}
}

func TestCoercionFailureDropsFieldKeepsRecord(t *testing.T) {
	m := testMapper(t)

	got, dropped, err := m.ToInternal("listing", map[string]interface{}{
		"ListingKey": "L-2",
		"ListPrice":  "not a number",
		"Active":     true,
	})
	if err != nil {
		t.Fatalf("Expected record to survive coercion failure, got %v", err)
	}
	if dropped != 1 {
		t.Errorf("Expected 1 drop, got %d", dropped)
	}
	if _, present := got["list_price"]; present {
		t.Error("Failed coercion left a value behind")
	}
	if got["listing_key"] != "L-2" || got["active"] != true {
		t.Errorf("Surviving fields damaged: %v", got)
	}
}

func TestAbsentFieldsStayAbsent(t *testing.T) {
	m := testMapper(t)

	got, _, err := m.ToInternal("listing", map[string]interface{}{"ListingKey": "L-3"})
	if err != nil {
		t.Fatalf("ToInternal failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected only the supplied field, got %v", got)
	}
	if _, present := got["list_price"]; present {
		t.Error("Absent field was defaulted")
	}
}

func TestNullFieldsOmittedLikeAbsent(t *testing.T) {
	m := testMapper(t)

	got, _, err := m.ToInternal("listing", map[string]interface{}{
		"ListingKey": "L-3",
		"ListPrice":  nil,
	})
	if err != nil {
		t.Fatalf("ToInternal failed: %v", err)
	}
	if _, present := got["list_price"]; present {
		t.Error("Null external field produced an internal value")
	}

	ext, _, err := m.ToExternal("listing", map[string]interface{}{
		"listing_key": "L-3",
		"list_price":  nil,
	})
	if err != nil {
		t.Fatalf("ToExternal failed: %v", err)
	}
	if _, present := ext["ListPrice"]; present {
		t.Error("Null internal field produced an external value")
	}
}

func TestToExternalRoundTrip(t *testing.T) {
	m := testMapper(t)

	internal := map[string]interface{}{
		"listing_key": "L-4",
		"list_price":  float64(99000),
		"bedrooms":    int64(2),
		"active":      true,
		"modified_at": time.Date(2026, 8, 15, 12, 30, 0, 0, time.UTC),
	}

	got, dropped, err := m.ToExternal("listing", internal)
	if err != nil {
		t.Fatalf("ToExternal failed: %v", err)
	}
	if dropped != 0 {
		t.Errorf("Expected no drops, got %d", dropped)
	}
	if got["ListingKey"] != "L-4" {
		t.Errorf("Unexpected ListingKey %v", got["ListingKey"])
	}
	if got["ListPrice"] != float64(99000) {
		t.Errorf("Unexpected ListPrice %v", got["ListPrice"])
	}
	if got["ModificationTimestamp"] != "2026-08-15T12:30:00Z" {
		t.Errorf("Expected RFC 3339 timestamp out, got %v", got["ModificationTimestamp"])
	}
}

func TestNameResolution(t *testing.T) {
	m := testMapper(t)

	if name, ok := m.InternalName("listing", "ListPrice"); !ok || name != "list_price" {
		t.Errorf("InternalName = %q, %v", name, ok)
	}
	if name, ok := m.ExternalName("listing", "modified_at"); !ok || name != "ModificationTimestamp" {
		t.Errorf("ExternalName = %q, %v", name, ok)
	}
	if _, ok := m.InternalName("listing", "Nope"); ok {
		t.Error("Expected miss for unknown external name")
	}
	if _, ok := m.InternalName("unknown", "ListPrice"); ok {
		t.Error("Expected miss for unknown entity type")
	}
}

func TestUnknownEntityType(t *testing.T) {
	m := testMapper(t)
	if _, _, err := m.ToInternal("nope", map[string]interface{}{"a": 1}); err == nil {
		t.Error("Expected error for unknown entity type")
	}
}

func TestTimeCoercionForms(t *testing.T) {
	m := testMapper(t)

	cases := []struct {
		in   interface{}
		want time.Time
	}{
		{"2026-08-01T10:00:00Z", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
		{"2026-08-01", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{float64(1754042400), time.Unix(1754042400, 0).UTC()},
	}
	for _, tc := range cases {
		got, _, err := m.ToInternal("listing", map[string]interface{}{"ModificationTimestamp": tc.in})
		if err != nil {
			t.Fatalf("ToInternal(%v) failed: %v", tc.in, err)
		}
		ts, ok := got["modified_at"].(time.Time)
		if !ok || !ts.Equal(tc.want) {
			t.Errorf("ToInternal(%v) = %v, want %v", tc.in, got["modified_at"], tc.want)
		}
	}
}
