package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

type createDeviceRequest struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	HeartbeatIntervalS int    `json:"heartbeatIntervalS"`
	OfflineAfterS      int    `json:"offlineAfterS"`
	Enabled            *bool  `json:"enabled"`
	SleepPollIntervalS int    `json:"sleepPollIntervalS"`
}

// createDeviceResponse carries the plaintext token exactly once; only the
// hash and fingerprint are stored.
type createDeviceResponse struct {
	Device *models.Device `json:"device"`
	Token  string         `json:"token"`
}

// handleAdminDevices serves the device collection: list and create.
func (r *Router) handleAdminDevices(w http.ResponseWriter, req *http.Request) {
	if !r.requireAdmin(w, req) {
		return
	}
	switch req.Method {
	case http.MethodGet:
		devices, err := r.store.ListDevices(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices})

	case http.MethodPost:
		var body createDeviceRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
			return
		}
		if body.Name == "" || body.HeartbeatIntervalS <= 0 {
			writeErrorCode(w, http.StatusBadRequest, "validation", "name and heartbeatIntervalS are required")
			return
		}
		device := &models.Device{
			ID:                 body.ID,
			Name:               body.Name,
			HeartbeatIntervalS: body.HeartbeatIntervalS,
			OfflineAfterS:      body.OfflineAfterS,
			Enabled:            true,
			SleepPollIntervalS: body.SleepPollIntervalS,
		}
		if device.ID == "" {
			device.ID = uuid.NewString()
		}
		if device.OfflineAfterS == 0 {
			device.OfflineAfterS = 3 * device.HeartbeatIntervalS
		}
		if body.Enabled != nil {
			device.Enabled = *body.Enabled
		}
		if device.SleepPollIntervalS == 0 {
			device.SleepPollIntervalS = r.artifacts.Policy().OperationDefaults.DefaultSleepPollIntervalS
		}

		token := newDeviceToken()
		if err := r.store.CreateDevice(req.Context(), device, token); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("deviceID", device.ID).Str("name", device.Name).Msg("Device registered")
		writeJSON(w, http.StatusCreated, createDeviceResponse{Device: device, Token: token})

	default:
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

// handleAdminDevice serves /api/v1/admin/devices/{id} and its subresources.
func (r *Router) handleAdminDevice(w http.ResponseWriter, req *http.Request) {
	if !r.requireAdmin(w, req) {
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/admin/devices/")
	deviceID, sub, _ := strings.Cut(rest, "/")
	if deviceID == "" {
		writeErrorCode(w, http.StatusNotFound, "not_found", "device id required")
		return
	}

	switch {
	case sub == "" && req.Method == http.MethodGet:
		device, err := r.store.GetDevice(req.Context(), deviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, device)

	case sub == "" && req.Method == http.MethodPatch:
		r.updateDevice(w, req, deviceID)

	case sub == "" && req.Method == http.MethodDelete:
		if err := r.store.DeleteDevice(req.Context(), deviceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case sub == "rotate-token" && req.Method == http.MethodPost:
		token := newDeviceToken()
		if err := r.store.RotateToken(req.Context(), deviceID, token); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("deviceID", deviceID).Msg("Device token rotated")
		writeJSON(w, http.StatusOK, map[string]string{"token": token})

	case sub == "controls/shutdown" && req.Method == http.MethodPost:
		r.requestShutdown(w, req, deviceID)

	default:
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown device endpoint")
	}
}

type updateDeviceRequest struct {
	Name               *string               `json:"name"`
	HeartbeatIntervalS *int                  `json:"heartbeatIntervalS"`
	OfflineAfterS      *int                  `json:"offlineAfterS"`
	Enabled            *bool                 `json:"enabled"`
	OperationMode      *models.OperationMode `json:"operationMode"`
	SleepPollIntervalS *int                  `json:"sleepPollIntervalS"`
}

func (r *Router) updateDevice(w http.ResponseWriter, req *http.Request, deviceID string) {
	var body updateDeviceRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if body.OperationMode != nil && !body.OperationMode.Valid() {
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid operation mode")
		return
	}
	device, err := r.store.UpdateDevice(req.Context(), deviceID, store.DeviceUpdate{
		Name:               body.Name,
		HeartbeatIntervalS: body.HeartbeatIntervalS,
		OfflineAfterS:      body.OfflineAfterS,
		Enabled:            body.Enabled,
		OperationMode:      body.OperationMode,
		SleepPollIntervalS: body.SleepPollIntervalS,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (r *Router) requestShutdown(w http.ResponseWriter, req *http.Request, deviceID string) {
	defaults := r.artifacts.Policy().OperationDefaults
	if !defaults.AllowRemoteShutdown {
		writeErrorCode(w, http.StatusForbidden, "forbidden", "remote shutdown is disabled by policy")
		return
	}
	if _, err := r.store.GetDevice(req.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	cmd, err := r.enqueueCommand(req, deviceID, models.CommandPayload{
		ShutdownRequested: true,
		ShutdownGraceS:    defaults.ShutdownGraceS,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	log.Warn().Str("deviceID", deviceID).Str("commandID", cmd.ID).Msg("Remote shutdown requested")
	writeJSON(w, http.StatusAccepted, cmd)
}

// handleDeviceControls serves the operator control mutations, each of
// which updates the stored controls and enqueues a superseding command.
func (r *Router) handleDeviceControls(w http.ResponseWriter, req *http.Request) {
	if !r.requireAdmin(w, req) {
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/devices/")
	deviceID, sub, _ := strings.Cut(rest, "/")
	if deviceID == "" {
		writeErrorCode(w, http.StatusNotFound, "not_found", "device id required")
		return
	}
	if req.Method != http.MethodPatch {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}

	switch sub {
	case "controls/operation":
		r.setOperationMode(w, req, deviceID)
	case "controls/alerts":
		r.setAlertsMute(w, req, deviceID)
	default:
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown controls endpoint")
	}
}

type operationControlRequest struct {
	OperationMode      models.OperationMode `json:"operationMode"`
	SleepPollIntervalS *int                 `json:"sleepPollIntervalS"`
}

func (r *Router) setOperationMode(w http.ResponseWriter, req *http.Request, deviceID string) {
	var body operationControlRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if !body.OperationMode.Valid() {
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid operation mode")
		return
	}

	device, err := r.store.UpdateDevice(req.Context(), deviceID, store.DeviceUpdate{
		OperationMode:      &body.OperationMode,
		SleepPollIntervalS: body.SleepPollIntervalS,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := r.enqueueCommand(req, deviceID, models.CommandPayload{
		OperationMode:      &device.OperationMode,
		SleepPollIntervalS: &device.SleepPollIntervalS,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device, "command": cmd})
}

type alertsControlRequest struct {
	MutedUntil *time.Time `json:"mutedUntil"`
	Reason     string     `json:"reason"`
	Clear      bool       `json:"clear"`
}

func (r *Router) setAlertsMute(w http.ResponseWriter, req *http.Request, deviceID string) {
	var body alertsControlRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if !body.Clear && (body.MutedUntil == nil || !body.MutedUntil.After(time.Now())) {
		writeErrorCode(w, http.StatusBadRequest, "validation", "mutedUntil must be in the future")
		return
	}

	upd := store.DeviceUpdate{ClearMute: body.Clear}
	if !body.Clear {
		upd.AlertsMutedUntil = body.MutedUntil
		upd.AlertsMutedReason = &body.Reason
	}
	device, err := r.store.UpdateDevice(req.Context(), deviceID, upd)
	if err != nil {
		writeError(w, err)
		return
	}

	reason := device.AlertsMutedReason
	cmd, err := r.enqueueCommand(req, deviceID, models.CommandPayload{
		AlertsMutedUntil:  device.AlertsMutedUntil,
		AlertsMutedReason: &reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device, "command": cmd})
}

func (r *Router) enqueueCommand(req *http.Request, deviceID string, payload models.CommandPayload) (*models.DeviceControlCommand, error) {
	ttl := time.Duration(r.artifacts.Policy().OperationDefaults.ControlCommandTTLS) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	cmd, err := r.store.EnqueueCommand(req.Context(), deviceID, payload, ttl)
	if err != nil {
		return nil, err
	}
	metrics.CommandsEnqueuedTotal.Inc()
	return cmd, nil
}

// handleAlerts lists alerts with optional filters.
func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !r.requireAdmin(w, req) {
		return
	}

	filter := store.AlertFilter{
		DeviceID: req.URL.Query().Get("device_id"),
		OpenOnly: req.URL.Query().Get("open_only") == "true",
	}
	if limit := req.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeErrorCode(w, http.StatusBadRequest, "validation", "invalid limit")
			return
		}
		filter.Limit = n
	}

	alerts, err := r.store.ListAlerts(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleBatches lists the newest lineage rows for one device.
func (r *Router) handleBatches(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !r.requireAdmin(w, req) {
		return
	}
	deviceID := req.URL.Query().Get("device_id")
	if deviceID == "" {
		writeErrorCode(w, http.StatusBadRequest, "validation", "device_id is required")
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorCode(w, http.StatusBadRequest, "validation", "invalid limit")
			return
		}
		limit = n
	}
	batches, err := r.store.ListBatches(req.Context(), deviceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// handleBatch exposes one ingestion lineage row for audits.
func (r *Router) handleBatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !r.requireAdmin(w, req) {
		return
	}
	batchID := strings.TrimPrefix(req.URL.Path, "/api/v1/batches/")
	if batchID == "" || strings.Contains(batchID, "/") {
		writeErrorCode(w, http.StatusNotFound, "not_found", "batch id required")
		return
	}
	batch, err := r.store.GetBatch(req.Context(), batchID)
	if err != nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func newDeviceToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "edw_" + hex.EncodeToString(buf)
}
