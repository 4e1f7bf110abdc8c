// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Command server runs the Feedbridge sync engine as a standalone
// process: it constructs the enabled integrations, starts their sync
// coordinators, persists synchronized entities into the local state
// database, and serves the operational HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedbridge/feedbridge/internal/api"
	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/config"
	"github.com/feedbridge/feedbridge/internal/integrations/listingfeed"
	"github.com/feedbridge/feedbridge/internal/integrations/recordstore"
	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/mapper"
	"github.com/feedbridge/feedbridge/internal/state"
	"github.com/feedbridge/feedbridge/internal/syncer"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// integration bundles what main wires together per enabled integration.
type integration struct {
	name        string
	client      *client.Client
	coordinator *syncer.Coordinator
	destroy     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("record_store", cfg.RecordStore.Enabled).
		Bool("listing_feed", cfg.ListingFeed.Enabled).
		Str("state_path", cfg.State.Path).
		Msg("Starting Feedbridge")

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state database")
		}
	}()

	dispatcher := webhook.NewDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	integrations, err := buildIntegrations(cfg, store, dispatcher)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build integrations")
	}

	apiIntegrations := make(map[string]api.Integration, len(integrations))
	for _, integ := range integrations {
		if err := integ.coordinator.Start(ctx); err != nil {
			logging.Fatal().Err(err).Str("integration", integ.name).Msg("Failed to start sync coordinator")
		}
		apiIntegrations[integ.name] = api.Integration{
			Client:      integ.client,
			Coordinator: integ.coordinator,
		}
	}

	router := api.NewRouter(api.Config{
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		WebhookSecret:   cfg.Webhooks.Secret,
	}, apiIntegrations, dispatcher)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	for _, integ := range integrations {
		integ.coordinator.Stop()
		integ.destroy()
	}

	logging.Info().Msg("Feedbridge stopped")
}

// buildIntegrations constructs every enabled integration with its
// mapper and coordinator, all sharing the state store and dispatcher.
func buildIntegrations(cfg *config.Config, store *state.Store, dispatcher *webhook.Dispatcher) ([]integration, error) {
	var out []integration

	if cfg.RecordStore.Enabled {
		rs, err := recordstore.New(cfg.RecordStore, store, dispatcher)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}

		coord, err := newCoordinator(cfg.Sync, rs, rs.Client(),
			recordstore.DefaultMappingTable(cfg.RecordStore.EntityType), store, dispatcher)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}

		out = append(out, integration{
			name:        rs.Name(),
			client:      rs.Client(),
			coordinator: coord,
			destroy:     rs.Destroy,
		})
	}

	if cfg.ListingFeed.Enabled {
		lf, err := listingfeed.New(cfg.ListingFeed, store, dispatcher)
		if err != nil {
			return nil, fmt.Errorf("listing feed: %w", err)
		}

		coord, err := newCoordinator(cfg.Sync, lf, lf.Client(),
			listingfeed.DefaultMappingTable(cfg.ListingFeed.EntityType), store, dispatcher)
		if err != nil {
			return nil, fmt.Errorf("listing feed: %w", err)
		}

		out = append(out, integration{
			name:        lf.Name(),
			client:      lf.Client(),
			coordinator: coord,
			destroy:     lf.Destroy,
		})
	}

	return out, nil
}

// newCoordinator wires a source to a coordinator whose ingestion sink
// is the state store's keyed entity storage. Upserts are idempotent by
// entity ID, which satisfies the at-least-once delivery contract.
func newCoordinator(syncCfg config.SyncConfig, src syncer.Source, cl *client.Client, table mapper.Table, store *state.Store, dispatcher *webhook.Dispatcher) (*syncer.Coordinator, error) {
	m, err := mapper.New(table)
	if err != nil {
		return nil, fmt.Errorf("failed to build mapper: %w", err)
	}

	ingest := func(ctx context.Context, entityType, id string, entity map[string]interface{}) error {
		return store.UpsertEntity(src.Name(), entityType, id, entity)
	}

	return syncer.New(syncer.Config{Interval: syncCfg.Interval}, src, m, store, cl, ingest, dispatcher)
}
