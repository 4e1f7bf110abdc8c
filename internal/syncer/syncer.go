// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
syncer.go - Sync Coordinator Lifecycle and Orchestration

Drives incremental synchronization for one integration: reads the
durable cursor, asks the source for changes since that cursor, maps
each record, hands it to the host ingestion callback, and advances the
cursor to the maximum modification timestamp among records that were
actually ingested.

Concurrency contract:
  - At most one sync runs per Coordinator at a time. An overlapping
    SyncOnce returns ErrSyncInProgress instead of queuing.
  - Start launches two independent loops: the periodic sync ticker and
    a token refresh ticker that keeps the session warm between syncs.
  - Stop closes both loops and waits for them.

Failure contract:
  - A single record's mapping or ingestion failure is accumulated, not
    fatal; the run continues (partial-failure-tolerant sync).
  - The cursor only moves on success. If zero records were ingested the
    cursor stays put, so the next run re-fetches the same window
    (at-least-once delivery; the ingestion callback must be idempotent).
*/

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/mapper"
	"github.com/feedbridge/feedbridge/internal/metrics"
	"github.com/feedbridge/feedbridge/internal/state"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// ErrSyncInProgress is returned when SyncOnce is called while another
// sync is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// tokenRefreshInterval is how often the background loop re-checks
// session validity between syncs.
const tokenRefreshInterval = 60 * time.Second

// Record is one changed entity fetched from a source, still in its
// external field shape.
type Record struct {
	ID         string
	EntityType string
	ModifiedAt time.Time
	Fields     map[string]interface{}
}

// Page is one fetch step. An empty NextToken means the result set is
// exhausted. DeltaToken, when set on the final page, is persisted into
// the cursor for the next incremental run.
type Page struct {
	Records    []Record
	NextToken  string
	DeltaToken string
}

// Source is the fetch side of a concrete integration. FetchChanges
// returns records modified strictly after the cursor position (all
// records when the cursor has never started), in ascending modification
// time within each page.
type Source interface {
	Name() string
	FetchChanges(ctx context.Context, cur state.Cursor, pageToken string) (Page, error)
}

// IngestFunc is the host ingestion callback. It receives one mapped
// entity at a time, keyed by the source record ID, and must be
// idempotent: a re-delivered record after a cursor hold-back must not
// duplicate data.
type IngestFunc func(ctx context.Context, entityType, id string, entity map[string]interface{}) error

// Result summarizes one sync run.
type Result struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
	Cursor    state.Cursor  `json:"cursor"`
}

// Config holds the coordinator's tunables.
type Config struct {
	// Interval between periodic syncs. Zero disables the periodic loop;
	// SyncOnce still works.
	Interval time.Duration
}

// Coordinator orchestrates synchronization for one integration.
type Coordinator struct {
	cfg        Config
	source     Source
	mapper     *mapper.Mapper
	store      *state.Store
	client     *client.Client
	ingest     IngestFunc
	dispatcher *webhook.Dispatcher

	syncing    atomic.Bool
	lastResult atomic.Pointer[Result]

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New constructs a coordinator. The dispatcher is optional; everything
// else is required.
func New(cfg Config, src Source, m *mapper.Mapper, store *state.Store, cl *client.Client, ingest IngestFunc, dispatcher *webhook.Dispatcher) (*Coordinator, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if m == nil {
		return nil, fmt.Errorf("mapper is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cl == nil {
		return nil, fmt.Errorf("client is required")
	}
	if ingest == nil {
		return nil, fmt.Errorf("ingestion callback is required")
	}
	return &Coordinator{
		cfg:        cfg,
		source:     src,
		mapper:     m,
		store:      store,
		client:     cl,
		ingest:     ingest,
		dispatcher: dispatcher,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start launches the periodic sync loop and the token refresh loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator already started")
	}
	c.running = true

	if c.cfg.Interval > 0 {
		c.wg.Add(1)
		go c.syncLoop(ctx)
	}

	c.wg.Add(1)
	go c.refreshLoop(ctx)

	logging.Info().
		Str("integration", c.source.Name()).
		Dur("interval", c.cfg.Interval).
		Msg("Sync coordinator started")
	return nil
}

// Stop shuts down the background loops and waits for them. A sync in
// flight finishes its current run.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Str("integration", c.source.Name()).Msg("Sync coordinator stopped")
}

// Syncing reports whether a sync run is currently in flight.
func (c *Coordinator) Syncing() bool {
	return c.syncing.Load()
}

// LastResult returns the most recent completed run summary, or nil if
// no run has completed yet.
func (c *Coordinator) LastResult() *Result {
	return c.lastResult.Load()
}

// SyncOnce runs one sync pass. Safe to call concurrently; overlapping
// calls are rejected with ErrSyncInProgress rather than queued.
func (c *Coordinator) SyncOnce(ctx context.Context) (Result, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		metrics.SyncRunsTotal.WithLabelValues(c.source.Name(), "rejected").Inc()
		return Result{}, ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	name := c.source.Name()
	runID := uuid.NewString()
	start := time.Now()

	c.emit(webhook.KindSyncStarted, map[string]string{"run_id": runID})

	cur, err := c.store.LoadCursor(name)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(name, "failed").Inc()
		c.emit(webhook.KindSyncFailed, webhook.SyncSummary{Duration: time.Since(start)})
		return Result{RunID: runID}, fmt.Errorf("failed to load cursor: %w", err)
	}

	switch cur.State() {
	case state.CursorInProgress:
		logging.Debug().Str("integration", name).Str("run_id", runID).Time("since", cur.LastSyncTime).Msg("Starting incremental sync")
	default:
		logging.Info().Str("integration", name).Str("run_id", runID).Msg("Starting full sync")
	}

	res, runErr := c.run(ctx, cur)
	res.RunID = runID
	res.Duration = time.Since(start)

	if runErr != nil {
		metrics.RecordSyncRun(name, "failed", res.Duration, res.Processed, res.Failed)
		c.emit(webhook.KindSyncFailed, webhook.SyncSummary{
			Processed: res.Processed,
			Failed:    res.Failed,
			Total:     res.Total,
			Duration:  res.Duration,
		})
		return res, runErr
	}

	c.lastResult.Store(&res)
	metrics.RecordSyncRun(name, "completed", res.Duration, res.Processed, res.Failed)
	c.emit(webhook.KindSyncCompleted, webhook.SyncSummary{
		Processed: res.Processed,
		Failed:    res.Failed,
		Total:     res.Total,
		Duration:  res.Duration,
	})

	logging.Info().
		Str("integration", name).
		Str("run_id", runID).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("total", res.Total).
		Dur("duration", res.Duration).
		Msg("Sync completed")

	return res, nil
}

// run pages through the source and processes each record. The cursor
// candidate tracks the maximum modification timestamp among successfully
// ingested records only; it is persisted on every exit path, so a page
// fetched and ingested before a later page fails still advances the
// cursor instead of being re-fetched on the next run.
func (c *Coordinator) run(ctx context.Context, cur state.Cursor) (Result, error) {
	name := c.source.Name()
	res := Result{Cursor: cur}

	var maxSuccess time.Time
	var deltaToken string

	pageToken := ""
	for {
		page, err := c.source.FetchChanges(ctx, cur, pageToken)
		if err != nil {
			return c.finish(name, cur, res, maxSuccess, deltaToken,
				fmt.Errorf("failed to fetch changes: %w", err))
		}

		// Sources order by modification time; re-sorting here keeps the
		// ascending invariant even when a provider page is sloppy.
		records := page.Records
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].ModifiedAt.Before(records[j].ModifiedAt)
		})

		for _, rec := range records {
			res.Total++
			if err := c.processRecord(ctx, rec); err != nil {
				res.Failed++
				logging.Warn().
					Err(err).
					Str("integration", name).
					Str("record_id", rec.ID).
					Str("entity_type", rec.EntityType).
					Msg("Record failed, continuing sync")
				continue
			}
			res.Processed++
			if rec.ModifiedAt.After(maxSuccess) {
				maxSuccess = rec.ModifiedAt
			}
		}

		if page.DeltaToken != "" {
			deltaToken = page.DeltaToken
		}
		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken

		select {
		case <-ctx.Done():
			return c.finish(name, cur, res, maxSuccess, deltaToken, ctx.Err())
		default:
		}
	}

	return c.finish(name, cur, res, maxSuccess, deltaToken, nil)
}

// finish persists the cursor candidate for a pass. The cursor only
// advances when something was ingested; holding it back on an all-failed
// run means those records are re-fetched next time.
func (c *Coordinator) finish(name string, cur state.Cursor, res Result, maxSuccess time.Time, deltaToken string, runErr error) (Result, error) {
	if res.Processed == 0 {
		return res, runErr
	}

	next := cur
	if maxSuccess.After(next.LastSyncTime) {
		next.LastSyncTime = maxSuccess
	}
	if deltaToken != "" {
		next.DeltaToken = deltaToken
	}
	stored, err := c.store.SaveCursor(name, next)
	if err != nil {
		if runErr != nil {
			logging.Error().
				Err(err).
				Str("integration", name).
				Msg("Failed to persist cursor after sync error")
			return res, runErr
		}
		return res, fmt.Errorf("failed to persist cursor: %w", err)
	}
	res.Cursor = stored
	return res, runErr
}

// processRecord maps one record and hands it to the ingestion callback.
func (c *Coordinator) processRecord(ctx context.Context, rec Record) error {
	entity, _, err := c.mapper.ToInternal(rec.EntityType, rec.Fields)
	if err != nil {
		return fmt.Errorf("mapping failed: %w", err)
	}

	if err := c.ingest(ctx, rec.EntityType, rec.ID, entity); err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if c.dispatcher != nil {
		c.dispatcher.DispatchKind(webhook.KindRecordReceived, c.source.Name(), map[string]interface{}{
			"record_id":   rec.ID,
			"entity_type": rec.EntityType,
		})
	}
	return nil
}

// ForceFullResync clears the cursor and the client's response cache,
// then runs a sync treating the source as never synced. Used for
// recovery after suspected drift.
func (c *Coordinator) ForceFullResync(ctx context.Context) (Result, error) {
	name := c.source.Name()

	if err := c.store.ClearCursor(name); err != nil {
		return Result{}, fmt.Errorf("failed to clear cursor: %w", err)
	}
	c.client.Cache().Clear()

	logging.Info().Str("integration", name).Msg("Forced full resync, cursor and cache cleared")
	return c.SyncOnce(ctx)
}

// syncLoop runs SyncOnce on the configured interval until stopped.
func (c *Coordinator) syncLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.SyncOnce(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				logging.Error().Err(err).Str("integration", c.source.Name()).Msg("Periodic sync failed")
			}
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshLoop keeps the session warm so a long gap between syncs does
// not start the next run with an expired token.
func (c *Coordinator) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(tokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.client.Session().Valid() {
				continue
			}
			if err := c.client.Authenticate(ctx); err != nil {
				logging.Warn().Err(err).Str("integration", c.source.Name()).Msg("Background token refresh failed")
			}
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// emit dispatches a sync lifecycle event if a dispatcher is attached.
func (c *Coordinator) emit(kind webhook.Kind, payload interface{}) {
	if c.dispatcher == nil {
		return
	}
	c.dispatcher.DispatchKind(kind, c.source.Name(), payload)
}
