// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
mapper.go - Bidirectional field mapping

Translates between an external record shape (provider field names and
loose JSON value types) and the internal entity shape, driven by a
static per-entity-type table loaded at construction.

Semantics that matter downstream:
  - Fields absent on the source are omitted from the output, never
    defaulted to null, so partial updates do not clobber unrelated
    fields.
  - A coercion failure drops the offending field and logs it; the
    record itself survives.
  - External fields with no table entry are dropped, logged once per
    field name as a data-loss boundary.
*/

package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/feedbridge/feedbridge/internal/logging"
)

// Coercion names the value conversion applied when a field crosses the
// boundary in either direction.
type Coercion int

const (
	// CoerceString passes the value through as a string.
	CoerceString Coercion = iota

	// CoerceFloat converts to float64. Used for price, fee, and area
	// style fields.
	CoerceFloat

	// CoerceInt converts to int64. Used for count and year style fields.
	CoerceInt

	// CoerceBool converts to bool, accepting common string spellings.
	CoerceBool

	// CoerceStringList converts to []string, flattening single values
	// and attachment objects to their URL or identifier.
	CoerceStringList

	// CoerceTime parses RFC 3339 timestamps (with a date-only fallback)
	// into time.Time, and formats back to RFC 3339.
	CoerceTime
)

// String returns the coercion name for logs.
func (c Coercion) String() string {
	switch c {
	case CoerceString:
		return "string"
	case CoerceFloat:
		return "float"
	case CoerceInt:
		return "int"
	case CoerceBool:
		return "bool"
	case CoerceStringList:
		return "string_list"
	case CoerceTime:
		return "time"
	default:
		return "unknown"
	}
}

// Field is one entry in a mapping table: an external name, an internal
// name, and the coercion applied between them.
type Field struct {
	External string
	Internal string
	Coerce   Coercion
}

// Table is the static mapping for one entity type.
type Table struct {
	EntityType string
	Fields     []Field
}

// TransformError reports a single-field coercion failure. The mapper
// logs it and drops the field; callers only see it through DropCount.
type TransformError struct {
	EntityType string
	Field      string
	Coerce     Coercion
	Value      interface{}
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("cannot coerce field %q of %s to %s: %v (%T)",
		e.Field, e.EntityType, e.Coerce, e.Value, e.Value)
}

// Mapper holds the mapping tables for all entity types of one
// integration. Tables are fixed at construction; lookups are read-only
// and safe for concurrent use.
type Mapper struct {
	tables map[string]tableIndex

	// loggedUnmapped remembers which unmapped external fields were
	// already reported, so steady-state syncs do not repeat the same
	// data-loss warning every run.
	loggedUnmapped sync.Map
}

type tableIndex struct {
	byExternal map[string]Field
	byInternal map[string]Field
}

// New builds a mapper from the given tables. Duplicate field names
// within a table are a construction error.
func New(tables ...Table) (*Mapper, error) {
	m := &Mapper{tables: make(map[string]tableIndex, len(tables))}
	for _, t := range tables {
		if t.EntityType == "" {
			return nil, fmt.Errorf("mapping table without entity type")
		}
		idx := tableIndex{
			byExternal: make(map[string]Field, len(t.Fields)),
			byInternal: make(map[string]Field, len(t.Fields)),
		}
		for _, f := range t.Fields {
			if f.External == "" || f.Internal == "" {
				return nil, fmt.Errorf("entity %s: field pair with empty name", t.EntityType)
			}
			if _, dup := idx.byExternal[f.External]; dup {
				return nil, fmt.Errorf("entity %s: duplicate external field %q", t.EntityType, f.External)
			}
			if _, dup := idx.byInternal[f.Internal]; dup {
				return nil, fmt.Errorf("entity %s: duplicate internal field %q", t.EntityType, f.Internal)
			}
			idx.byExternal[f.External] = f
			idx.byInternal[f.Internal] = f
		}
		m.tables[t.EntityType] = idx
	}
	return m, nil
}

// EntityTypes lists the entity types the mapper knows.
func (m *Mapper) EntityTypes() []string {
	types := make([]string, 0, len(m.tables))
	for t := range m.tables {
		types = append(types, t)
	}
	return types
}

// ToInternal maps an external record to the internal entity shape.
// Returns the mapped entity and the number of fields dropped (coercion
// failures plus unmapped externals).
func (m *Mapper) ToInternal(entityType string, external map[string]interface{}) (map[string]interface{}, int, error) {
	idx, ok := m.tables[entityType]
	if !ok {
		return nil, 0, fmt.Errorf("unknown entity type %q", entityType)
	}

	out := make(map[string]interface{}, len(external))
	dropped := 0

	for name, value := range external {
		field, mapped := idx.byExternal[name]
		if !mapped {
			dropped++
			m.logUnmapped(entityType, name)
			continue
		}
		// Explicit nulls are treated like absent fields. A partial update
		// carrying null must not clobber the stored value.
		if value == nil {
			continue
		}
		coerced, err := coerce(value, field.Coerce)
		if err != nil {
			dropped++
			terr := &TransformError{EntityType: entityType, Field: name, Coerce: field.Coerce, Value: value}
			logging.Warn().Err(terr).Msg("Dropped field on coercion failure")
			continue
		}
		out[field.Internal] = coerced
	}

	return out, dropped, nil
}

// ToExternal maps an internal entity back to the external record shape.
// Internal fields with no table entry are dropped the same way.
func (m *Mapper) ToExternal(entityType string, internal map[string]interface{}) (map[string]interface{}, int, error) {
	idx, ok := m.tables[entityType]
	if !ok {
		return nil, 0, fmt.Errorf("unknown entity type %q", entityType)
	}

	out := make(map[string]interface{}, len(internal))
	dropped := 0

	for name, value := range internal {
		field, mapped := idx.byInternal[name]
		if !mapped {
			dropped++
			continue
		}
		if value == nil {
			continue
		}
		coerced, err := coerceOut(value, field.Coerce)
		if err != nil {
			dropped++
			terr := &TransformError{EntityType: entityType, Field: name, Coerce: field.Coerce, Value: value}
			logging.Warn().Err(terr).Msg("Dropped field on coercion failure")
			continue
		}
		out[field.External] = coerced
	}

	return out, dropped, nil
}

// InternalName resolves an external field name for an entity type.
func (m *Mapper) InternalName(entityType, external string) (string, bool) {
	idx, ok := m.tables[entityType]
	if !ok {
		return "", false
	}
	f, ok := idx.byExternal[external]
	return f.Internal, ok
}

// ExternalName resolves an internal field name for an entity type.
func (m *Mapper) ExternalName(entityType, internal string) (string, bool) {
	idx, ok := m.tables[entityType]
	if !ok {
		return "", false
	}
	f, ok := idx.byInternal[internal]
	return f.External, ok
}

func (m *Mapper) logUnmapped(entityType, field string) {
	key := entityType + ":" + field
	if _, seen := m.loggedUnmapped.LoadOrStore(key, struct{}{}); seen {
		return
	}
	logging.Debug().
		Str("entity_type", entityType).
		Str("field", field).
		Msg("Dropped unmapped external field")
}

// coerce converts an inbound JSON value to the internal representation
// of the field's declared type.
func coerce(value interface{}, c Coercion) (interface{}, error) {
	switch c {
	case CoerceString:
		return toString(value)
	case CoerceFloat:
		return toFloat(value)
	case CoerceInt:
		return toInt(value)
	case CoerceBool:
		return toBool(value)
	case CoerceStringList:
		return toStringList(value)
	case CoerceTime:
		return toTime(value)
	default:
		return nil, fmt.Errorf("unknown coercion %d", c)
	}
}

// coerceOut converts an internal value back to its wire representation.
// Times go back to RFC 3339 strings; everything else round-trips through
// the same conversions as inbound.
func coerceOut(value interface{}, c Coercion) (interface{}, error) {
	if c == CoerceTime {
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		case string:
			t, err := toTime(v)
			if err != nil {
				return nil, err
			}
			return t.UTC().Format(time.RFC3339), nil
		}
		return nil, fmt.Errorf("cannot format %T as timestamp", value)
	}
	return coerce(value, c)
}

func toString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", value)
	}
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		// Providers report prices as "350000" or "350,000.50".
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as float", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", value)
	}
}

func toInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("cannot convert fractional %v to integer", v)
		}
		return int64(v), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as integer", v)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as bool", v)
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", value)
	}
}

// toStringList flattens list-shaped values to []string. Attachment
// objects contribute their url (or id) member; a bare scalar becomes a
// one-element list.
func toStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]interface{}:
				if url, ok := firstString(it, "url", "MediaURL", "id"); ok {
					out = append(out, url)
				} else {
					return nil, fmt.Errorf("list element has no url or id member")
				}
			default:
				s, err := toString(item)
				if err != nil {
					return nil, fmt.Errorf("cannot convert list element %T to string", item)
				}
				out = append(out, s)
			}
		}
		return out, nil
	case string:
		if v == "" {
			return []string{}, nil
		}
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to string list", value)
	}
}

// firstString returns the first of the named members that holds a
// non-empty string.
func firstString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as timestamp", v)
	case float64:
		// Epoch seconds.
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", value)
	}
}
