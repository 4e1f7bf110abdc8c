// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
batch.go - Chunked Batch Mutations

The remote API accepts at most 10 records per create, update, or delete
request. These helpers chunk arbitrarily large inputs, submit each
chunk as one transport call, and collect per-chunk failures without
blocking the remaining chunks. Callers get a BatchResult that separates
what landed from what did not.
*/

package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/logging"
)

// ChunkError records one failed chunk: the half-open record index range
// it covered and the transport error.
type ChunkError struct {
	Start int
	End   int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk [%d:%d): %v", e.Start, e.End, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// BatchResult is the partial-success outcome of a chunked mutation.
type BatchResult struct {
	// Succeeded holds the records the API confirmed, in input order.
	Succeeded []Record

	// DeletedIDs holds confirmed deletions (delete calls only).
	DeletedIDs []string

	// Failed holds one entry per chunk that errored.
	Failed []ChunkError
}

// FullySucceeded reports whether every chunk landed.
func (r *BatchResult) FullySucceeded() bool {
	return len(r.Failed) == 0
}

// Err folds chunk failures into a single error, nil when all succeeded.
func (r *BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d chunks failed: %v", len(r.Failed), len(r.Failed)+r.succeededChunks(), r.Failed[0].Err)
}

func (r *BatchResult) succeededChunks() int {
	n := len(r.Succeeded) + len(r.DeletedIDs)
	if n == 0 {
		return 0
	}
	return (n + maxRecordsPerMutation - 1) / maxRecordsPerMutation
}

// mutationRequest is the wire shape of a create or update body.
type mutationRequest struct {
	Records  []mutationRecord `json:"records"`
	Typecast bool             `json:"typecast,omitempty"`
}

type mutationRecord struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

type mutationResponse struct {
	Records []Record `json:"records"`
}

type deleteResponse struct {
	Records []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	} `json:"records"`
}

// CreateRecords creates records in chunks of at most 10. Records are
// field maps; IDs are assigned by the API.
func (i *Integration) CreateRecords(ctx context.Context, table string, fields []map[string]interface{}) *BatchResult {
	result := &BatchResult{}

	for start := 0; start < len(fields); start += maxRecordsPerMutation {
		end := min(start+maxRecordsPerMutation, len(fields))

		body := mutationRequest{Typecast: true}
		for _, f := range fields[start:end] {
			body.Records = append(body.Records, mutationRecord{Fields: f})
		}

		created, err := i.submitMutation(ctx, http.MethodPost, table, body)
		if err != nil {
			result.Failed = append(result.Failed, ChunkError{Start: start, End: end, Err: err})
			logging.Warn().Err(err).Str("table", table).Int("start", start).Int("end", end).Msg("Create chunk failed, continuing")
			continue
		}
		result.Succeeded = append(result.Succeeded, created...)
	}

	return result
}

// RecordUpdate is one partial update: only the supplied fields change,
// others are left untouched remotely.
type RecordUpdate struct {
	ID     string
	Fields map[string]interface{}
}

// UpdateRecords applies partial field updates in chunks of at most 10.
func (i *Integration) UpdateRecords(ctx context.Context, table string, updates []RecordUpdate) *BatchResult {
	result := &BatchResult{}

	for start := 0; start < len(updates); start += maxRecordsPerMutation {
		end := min(start+maxRecordsPerMutation, len(updates))

		body := mutationRequest{Typecast: true}
		for _, u := range updates[start:end] {
			body.Records = append(body.Records, mutationRecord{ID: u.ID, Fields: u.Fields})
		}

		updated, err := i.submitMutation(ctx, http.MethodPatch, table, body)
		if err != nil {
			result.Failed = append(result.Failed, ChunkError{Start: start, End: end, Err: err})
			logging.Warn().Err(err).Str("table", table).Int("start", start).Int("end", end).Msg("Update chunk failed, continuing")
			continue
		}
		result.Succeeded = append(result.Succeeded, updated...)
	}

	return result
}

// DeleteRecords deletes records by ID in chunks of at most 10.
func (i *Integration) DeleteRecords(ctx context.Context, table string, ids []string) *BatchResult {
	result := &BatchResult{}

	for start := 0; start < len(ids); start += maxRecordsPerMutation {
		end := min(start+maxRecordsPerMutation, len(ids))

		query := url.Values{}
		for _, id := range ids[start:end] {
			query.Add("records[]", id)
		}

		data, err := i.client.Request(ctx, client.RequestOptions{
			Method:           http.MethodDelete,
			Endpoint:         i.tablePath(table),
			Query:            query,
			InvalidatePrefix: i.tablePath(table),
		})
		if err != nil {
			result.Failed = append(result.Failed, ChunkError{Start: start, End: end, Err: err})
			logging.Warn().Err(err).Str("table", table).Int("start", start).Int("end", end).Msg("Delete chunk failed, continuing")
			continue
		}

		var resp deleteResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			result.Failed = append(result.Failed, ChunkError{Start: start, End: end, Err: fmt.Errorf("failed to decode delete response: %w", err)})
			continue
		}
		for _, r := range resp.Records {
			if r.Deleted {
				result.DeletedIDs = append(result.DeletedIDs, r.ID)
			}
		}
	}

	return result
}

// UpsertRecords creates or updates by a caller-chosen key field: inputs
// whose key matches an existing record become updates, the rest become
// creates. The existing set is read via a formula filter on the key
// field before the writes go out.
func (i *Integration) UpsertRecords(ctx context.Context, table, keyField string, fields []map[string]interface{}) (*BatchResult, error) {
	var creates []map[string]interface{}
	var updates []RecordUpdate

	for _, f := range fields {
		key, ok := f[keyField].(string)
		if !ok || key == "" {
			creates = append(creates, f)
			continue
		}

		existing, _, err := i.ListRecords(ctx, table, ListOptions{
			FilterByFormula: fmt.Sprintf("{%s} = %q", keyField, key),
			PageSize:        1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve upsert key %q: %w", key, err)
		}
		if len(existing) > 0 {
			updates = append(updates, RecordUpdate{ID: existing[0].ID, Fields: f})
		} else {
			creates = append(creates, f)
		}
	}

	result := i.CreateRecords(ctx, table, creates)
	if len(updates) > 0 {
		upd := i.UpdateRecords(ctx, table, updates)
		result.Succeeded = append(result.Succeeded, upd.Succeeded...)
		result.Failed = append(result.Failed, upd.Failed...)
	}
	return result, nil
}

// submitMutation sends one chunk and decodes the confirmed records.
func (i *Integration) submitMutation(ctx context.Context, method, table string, body mutationRequest) ([]Record, error) {
	data, err := i.client.Request(ctx, client.RequestOptions{
		Method:           method,
		Endpoint:         i.tablePath(table),
		Body:             body,
		InvalidatePrefix: i.tablePath(table),
	})
	if err != nil {
		return nil, err
	}

	var resp mutationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode mutation response: %w", err)
	}
	return resp.Records, nil
}
