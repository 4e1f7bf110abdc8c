// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Package api provides the operational HTTP surface using Chi router:
// health and status queries, manual sync triggers, inbound webhook
// ingress, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/syncer"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// Integration is the per-integration view the API needs: status for
// reporting and the coordinator for manual triggers.
type Integration struct {
	Client      *client.Client
	Coordinator *syncer.Coordinator
}

// Config tunes the router.
type Config struct {
	// RateLimitReqs and RateLimitWindow bound requests per client IP.
	RateLimitReqs   int
	RateLimitWindow time.Duration

	// WebhookSecret, when set, requires an HMAC-SHA256 signature on
	// inbound webhook payloads.
	WebhookSecret string
}

// Router wires handlers to routes.
type Router struct {
	cfg          Config
	integrations map[string]Integration
	dispatcher   *webhook.Dispatcher
	started      time.Time
}

// NewRouter builds a router over the given integrations.
func NewRouter(cfg Config, integrations map[string]Integration, dispatcher *webhook.Dispatcher) *Router {
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Router{
		cfg:          cfg,
		integrations: integrations,
		dispatcher:   dispatcher,
		started:      time.Now(),
	}
}

// Handler assembles the full route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.metricsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))

		r.Get("/health", rt.Health)
		r.Get("/health/live", rt.HealthLive)
		r.Get("/status", rt.Status)
		r.Get("/status/{integration}", rt.IntegrationStatus)

		r.Post("/sync/{integration}", rt.TriggerSync)
		r.Post("/sync/{integration}/full", rt.TriggerFullResync)

		r.Post("/webhooks/{integration}", rt.Webhook)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
