// Package api exposes the EdgeWatch HTTP surface: device ingest and policy
// delivery, the push worker endpoint and the operator API.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/config"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/ingest"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// Router handles HTTP routing.
type Router struct {
	mux       *http.ServeMux
	cfg       *config.Config
	store     *store.Store
	pipeline  *ingest.Pipeline
	limiter   *ingest.DeviceLimiter
	artifacts *config.Artifacts
}

// NewRouter creates the router. limiter may be nil when rate limiting is
// disabled.
func NewRouter(cfg *config.Config, st *store.Store, pipeline *ingest.Pipeline, limiter *ingest.DeviceLimiter, artifacts *config.Artifacts) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		limiter:   limiter,
		artifacts: artifacts,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	// Device endpoints
	r.mux.HandleFunc("/api/v1/ingest", r.handleIngest)
	r.mux.HandleFunc("/api/v1/device-policy", r.handleDevicePolicy)
	r.mux.HandleFunc("/api/v1/device-commands/", r.handleDeviceCommands)

	// Push worker endpoint (shared token, not device auth)
	r.mux.HandleFunc("/api/v1/internal/pubsub/push", r.handlePubSubPush)

	// Operator endpoints
	r.mux.HandleFunc("/api/v1/admin/devices", r.handleAdminDevices)
	r.mux.HandleFunc("/api/v1/admin/devices/", r.handleAdminDevice)
	r.mux.HandleFunc("/api/v1/devices/", r.handleDeviceControls)
	r.mux.HandleFunc("/api/v1/alerts", r.handleAlerts)
	r.mux.HandleFunc("/api/v1/batches", r.handleBatches)
	r.mux.HandleFunc("/api/v1/batches/", r.handleBatch)

	r.mux.HandleFunc("/api/v1/healthz", r.handleHealth)
	r.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("requestID", requestID).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// handleHealth handles liveness checks.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}
