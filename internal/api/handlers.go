// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
handlers.go - Operational API Handlers

Status and health report over the live integration clients; sync
triggers call straight into the coordinators; webhook ingress verifies
an optional HMAC signature and forwards the event into the dispatcher.
A sync trigger while a run is in flight answers 409 rather than
queuing, mirroring the coordinator's own overlap policy.
*/

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/feedbridge/feedbridge/internal/client"
	"github.com/feedbridge/feedbridge/internal/logging"
	"github.com/feedbridge/feedbridge/internal/metrics"
	"github.com/feedbridge/feedbridge/internal/syncer"
	"github.com/feedbridge/feedbridge/internal/webhook"
)

// signatureHeader carries the hex HMAC-SHA256 of the webhook body.
const signatureHeader = "X-Feedbridge-Signature"

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Uptime       string                       `json:"uptime"`
	Integrations map[string]integrationStatus `json:"integrations"`
}

type integrationStatus struct {
	Client   client.Status  `json:"client"`
	Syncing  bool           `json:"syncing"`
	LastSync *syncer.Result `json:"last_sync,omitempty"`
}

// Health reports readiness: every enabled integration must hold a valid
// session for a 200.
func (rt *Router) Health(w http.ResponseWriter, r *http.Request) {
	ready := true
	for _, integ := range rt.integrations {
		if !integ.Client.Session().Valid() {
			ready = false
			break
		}
	}

	code := http.StatusOK
	status := "ok"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// HealthLive reports process liveness only.
func (rt *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports all integrations.
func (rt *Router) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:       time.Since(rt.started).Round(time.Second).String(),
		Integrations: make(map[string]integrationStatus, len(rt.integrations)),
	}
	for name, integ := range rt.integrations {
		resp.Integrations[name] = rt.statusOf(integ)
	}
	writeJSON(w, http.StatusOK, resp)
}

// IntegrationStatus reports one integration.
func (rt *Router) IntegrationStatus(w http.ResponseWriter, r *http.Request) {
	integ, ok := rt.integration(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.statusOf(integ))
}

func (rt *Router) statusOf(integ Integration) integrationStatus {
	return integrationStatus{
		Client:   integ.Client.Status(),
		Syncing:  integ.Coordinator.Syncing(),
		LastSync: integ.Coordinator.LastResult(),
	}
}

// TriggerSync starts one sync run and returns its result.
func (rt *Router) TriggerSync(w http.ResponseWriter, r *http.Request) {
	integ, ok := rt.integration(w, r)
	if !ok {
		return
	}

	res, err := integ.Coordinator.SyncOnce(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "sync already in progress"})
			return
		}
		logging.Error().Err(err).Msg("Manual sync failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TriggerFullResync clears the cursor and cache, then syncs from
// scratch.
func (rt *Router) TriggerFullResync(w http.ResponseWriter, r *http.Request) {
	integ, ok := rt.integration(w, r)
	if !ok {
		return
	}

	res, err := integ.Coordinator.ForceFullResync(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "sync already in progress"})
			return
		}
		logging.Error().Err(err).Msg("Forced full resync failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Webhook ingests a push-style notification and forwards it into the
// dispatcher. The event name comes from the payload's "event" member;
// the rest of the payload rides along untouched.
func (rt *Router) Webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")
	if _, ok := rt.integrations[name]; !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown integration"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	if rt.cfg.WebhookSecret != "" && !rt.verifySignature(r, body) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	var payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Event == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payload must carry an event name"})
		return
	}

	handled := rt.dispatcher.Dispatch(webhook.Event{
		Name:        payload.Event,
		Integration: name,
		Payload:     payload.Data,
		At:          time.Now(),
	})
	metrics.WebhookEventsTotal.WithLabelValues(name, payload.Event).Inc()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":    payload.Event,
		"handlers": handled,
	})
}

// verifySignature checks the hex HMAC-SHA256 header in constant time.
func (rt *Router) verifySignature(r *http.Request, body []byte) bool {
	sig := strings.TrimPrefix(r.Header.Get(signatureHeader), "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(rt.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// integration resolves the path parameter, answering 404 for names the
// deployment does not run.
func (rt *Router) integration(w http.ResponseWriter, r *http.Request) (Integration, bool) {
	name := chi.URLParam(r, "integration")
	integ, ok := rt.integrations[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown integration"})
		return Integration{}, false
	}
	return integ, true
}

// metricsMiddleware observes request counts and latency per route.
func (rt *Router) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}
