// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
odata.go - OData Query Construction

Builder for the $filter/$select/$orderby/$top/$skip/$expand query
convention the listing feed follows. The builder only assembles the
system query options; URL encoding happens once at Values time so
filter expressions keep their spaces and quotes intact until then.
*/

package listingfeed

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query accumulates OData system query options.
type Query struct {
	filters []string
	selects []string
	orderBy []string
	expand  []string
	top     int
	skip    int
}

// NewQuery returns an empty query builder.
func NewQuery() *Query {
	return &Query{}
}

// Filter appends a raw filter expression. Multiple filters are joined
// with "and".
func (q *Query) Filter(expr string) *Query {
	if expr != "" {
		q.filters = append(q.filters, expr)
	}
	return q
}

// FilterEq appends an equality filter, quoting string values.
func (q *Query) FilterEq(field string, value interface{}) *Query {
	return q.Filter(fmt.Sprintf("%s eq %s", field, literal(value)))
}

// FilterGt appends a strictly-greater-than filter. Used for timestamp
// delta fetches, which must exclude the cursor position itself.
func (q *Query) FilterGt(field string, value interface{}) *Query {
	return q.Filter(fmt.Sprintf("%s gt %s", field, literal(value)))
}

// FilterIn appends a membership filter over string values.
func (q *Query) FilterIn(field string, values []string) *Query {
	if len(values) == 0 {
		return q
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = literal(v)
	}
	return q.Filter(fmt.Sprintf("%s in (%s)", field, strings.Join(quoted, ",")))
}

// Select limits the returned fields.
func (q *Query) Select(fields ...string) *Query {
	q.selects = append(q.selects, fields...)
	return q
}

// OrderBy appends an ordering clause, e.g. "ModificationTimestamp asc".
func (q *Query) OrderBy(clause string) *Query {
	if clause != "" {
		q.orderBy = append(q.orderBy, clause)
	}
	return q
}

// Expand includes a named navigation property, e.g. "Media".
func (q *Query) Expand(properties ...string) *Query {
	q.expand = append(q.expand, properties...)
	return q
}

// Top bounds the page size.
func (q *Query) Top(n int) *Query {
	q.top = n
	return q
}

// Skip offsets into the result set.
func (q *Query) Skip(n int) *Query {
	q.skip = n
	return q
}

// Values renders the query as URL parameters.
func (q *Query) Values() url.Values {
	v := url.Values{}
	if len(q.filters) > 0 {
		v.Set("$filter", strings.Join(q.filters, " and "))
	}
	if len(q.selects) > 0 {
		v.Set("$select", strings.Join(q.selects, ","))
	}
	if len(q.orderBy) > 0 {
		v.Set("$orderby", strings.Join(q.orderBy, ","))
	}
	if len(q.expand) > 0 {
		v.Set("$expand", strings.Join(q.expand, ","))
	}
	if q.top > 0 {
		v.Set("$top", strconv.Itoa(q.top))
	}
	if q.skip > 0 {
		v.Set("$skip", strconv.Itoa(q.skip))
	}
	return v
}

// Encode renders the query as a raw query string.
func (q *Query) Encode() string {
	return q.Values().Encode()
}

// literal renders a Go value as an OData literal. Strings are
// single-quoted with embedded quotes doubled; timestamps are bare ISO
// 8601 per the feed's convention.
func literal(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return v.UTC().Format("2006-01-02T15:04:05Z")
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("'%v'", v)
	}
}
