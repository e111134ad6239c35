package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/ingest"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/pubsub"
)

type ingestRequest struct {
	Points []ingest.Point `json:"points"`
}

// handleIngest accepts one telemetry batch from an authenticated device.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	device, ok := r.authenticateDevice(w, req)
	if !ok {
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxRequestBodyBytes)
	var body ingestRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "quota",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	if r.limiter != nil {
		allowed, retryAfter := r.limiter.Allow(device.ID, len(body.Points))
		if !allowed {
			metrics.RateLimitRejectionsTotal.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			writeErrorCode(w, http.StatusTooManyRequests, "quota", "point budget exceeded, slow down")
			return
		}
	}

	summary, err := r.pipeline.Ingest(req.Context(), device, body.Points, models.SourceDevice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handlePubSubPush receives envelopes from the queued lane and replays
// them through the pipeline. Authenticated by the shared worker token.
func (r *Router) handlePubSubPush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !pubsub.ValidToken(req.Header.Get("X-PubSub-Token"), r.cfg.PubSubPushToken) {
		writeErrorCode(w, http.StatusUnauthorized, "auth", "invalid worker token")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxRequestBodyBytes))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "failed to read body")
		return
	}
	env, err := pubsub.Decode(data)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	summary, err := r.pipeline.ProcessPush(req.Context(), env)
	if err != nil {
		log.Warn().Err(err).Str("batchID", env.BatchID).Msg("Push replay failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
